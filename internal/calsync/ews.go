package calsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/invite"
)

// EWSSource fetches calendar items over Exchange Web Services SOAP.
type EWSSource struct {
	parser *invite.Parser
	logger *slog.Logger

	// Overridable in tests.
	newClient func(ctx context.Context, creds *models.Credentials) *http.Client
	endpoint  func(creds *models.Credentials) string
}

// NewEWSSource creates an EWSSource.
func NewEWSSource(parser *invite.Parser, logger *slog.Logger) *EWSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &EWSSource{
		parser: parser,
		logger: logger,
		newClient: func(ctx context.Context, creds *models.Credentials) *http.Client {
			return httpClientFor(ctx, creds, scopeEWS)
		},
		endpoint: func(creds *models.Credentials) string {
			server := creds.Server
			if server == "" {
				server = "outlook.office365.com"
			}
			return "https://" + server + "/EWS/Exchange.asmx"
		},
	}
}

// Fetch groups folders per account and issues one bulk FindItem per account,
// then loads the matched items with their MIME content and parses them.
func (s *EWSSource) Fetch(ctx context.Context, creds *models.Credentials, calendars []models.Calendar, win Window, since *time.Time) ([]*RemoteItem, []FolderError, error) {
	client := s.newClient(ctx, creds)
	url := s.endpoint(creds)

	byAccount := make(map[string][]models.Calendar)
	var accounts []string
	for _, cal := range calendars {
		if cal.FolderID == "" {
			continue
		}
		if _, ok := byAccount[cal.Username]; !ok {
			accounts = append(accounts, cal.Username)
		}
		byAccount[cal.Username] = append(byAccount[cal.Username], cal)
	}

	var items []*RemoteItem
	var folderErrs []FolderError
	for _, account := range accounts {
		folders := byAccount[account]
		accItems, accErrs, err := s.fetchAccount(ctx, client, url, account, folders, win, since)
		if err != nil {
			return nil, nil, fmt.Errorf("fetching account %s: %w", account, err)
		}
		items = append(items, accItems...)
		folderErrs = append(folderErrs, accErrs...)
	}
	return items, folderErrs, nil
}

func (s *EWSSource) fetchAccount(ctx context.Context, client *http.Client, url, account string, folders []models.Calendar, win Window, since *time.Time) ([]*RemoteItem, []FolderError, error) {
	body, err := s.soap(ctx, client, url, findItemRequest(account, folders, win, since))
	if err != nil {
		return nil, nil, err
	}
	var find findItemResponse
	if err := xml.Unmarshal(body, &find); err != nil {
		return nil, nil, fmt.Errorf("decoding FindItem response: %w", err)
	}

	var itemIDs []string
	itemCalendar := make(map[string]int64)
	var folderErrs []FolderError
	for i, msg := range find.Messages {
		if i >= len(folders) {
			break
		}
		if msg.ResponseClass == "Error" {
			folderErrs = append(folderErrs, FolderError{
				CalendarID:  folders[i].ID,
				Code:        msg.ResponseCode,
				ClearFolder: isFolderIDError(msg.ResponseCode),
			})
			continue
		}
		for _, it := range msg.Items {
			itemIDs = append(itemIDs, it.ItemID.ID)
			itemCalendar[it.ItemID.ID] = folders[i].ID
		}
	}
	if len(itemIDs) == 0 {
		return nil, folderErrs, nil
	}

	body, err = s.soap(ctx, client, url, getItemRequest(account, itemIDs))
	if err != nil {
		return nil, folderErrs, err
	}
	var get getItemResponse
	if err := xml.Unmarshal(body, &get); err != nil {
		return nil, folderErrs, fmt.Errorf("decoding GetItem response: %w", err)
	}

	var items []*RemoteItem
	for _, msg := range get.Messages {
		if msg.ResponseClass == "Error" {
			s.logger.Warn("ews item load failed", "account", account, "code", msg.ResponseCode)
			continue
		}
		for _, it := range msg.Items {
			rec := s.itemRecord(ctx, &it)
			if rec == nil {
				continue
			}
			items = append(items, &RemoteItem{
				Record:     rec,
				CalendarID: itemCalendar[it.ItemID.ID],
			})
		}
	}
	return items, folderErrs, nil
}

// itemRecord parses the base64 MIME content of one calendar item.
func (s *EWSSource) itemRecord(ctx context.Context, it *ewsItem) *invite.Record {
	if it.MimeContent == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(it.MimeContent))
	if err != nil {
		s.logger.Warn("ews mime content not base64", "item_id", it.ItemID.ID, "error", err)
		return nil
	}
	rec, err := s.parser.ParseICal(ctx, raw)
	if err != nil {
		s.logger.Warn("ews calendar item unparsable", "item_id", it.ItemID.ID, "error", err)
		return nil
	}
	rec.ItemID = it.ItemID.ID
	rec.ChangeKey = it.ItemID.ChangeKey
	if t, err := time.Parse(time.RFC3339, it.LastModifiedTime); err == nil {
		rec.LastModified = t
	}
	return rec
}

// DiscoverRooms lists room lists and their member rooms.
func (s *EWSSource) DiscoverRooms(ctx context.Context, creds *models.Credentials) ([]Room, error) {
	client := s.newClient(ctx, creds)
	url := s.endpoint(creds)

	body, err := s.soap(ctx, client, url, getRoomListsRequest())
	if err != nil {
		return nil, err
	}
	var lists roomListsResponse
	if err := xml.Unmarshal(body, &lists); err != nil {
		return nil, fmt.Errorf("decoding GetRoomLists response: %w", err)
	}

	var rooms []Room
	for _, list := range lists.Addresses {
		body, err := s.soap(ctx, client, url, getRoomsRequest(list.EmailAddress))
		if err != nil {
			s.logger.Warn("ews room list fetch failed", "list", list.EmailAddress, "error", err)
			continue
		}
		var resp roomsResponse
		if err := xml.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding GetRooms response: %w", err)
		}
		for _, r := range resp.Rooms {
			rooms = append(rooms, Room{Email: r.ID.EmailAddress, Name: r.ID.Name})
		}
	}
	return rooms, nil
}

func (s *EWSSource) soap(ctx context.Context, client *http.Client, url, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ews request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading ews response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ews status %d: %s", resp.StatusCode, firstLine(data))
	}
	return data, nil
}

func firstLine(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}

// SOAP request builders. The envelopes are small enough that templated
// strings beat a full EWS schema binding.

const soapHeader = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
  xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
  xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
<soap:Header>
  <t:RequestServerVersion Version="Exchange2013_SP1"/>
  <t:ExchangeImpersonation>
    <t:ConnectingSID><t:PrimarySmtpAddress>%s</t:PrimarySmtpAddress></t:ConnectingSID>
  </t:ExchangeImpersonation>
</soap:Header>
<soap:Body>`

const soapFooter = `</soap:Body></soap:Envelope>`

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func findItemRequest(account string, folders []models.Calendar, win Window, since *time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, soapHeader, xmlEscape(account))
	b.WriteString(`<m:FindItem Traversal="Shallow"><m:ItemShape><t:BaseShape>IdOnly</t:BaseShape></m:ItemShape>`)
	if since != nil {
		// CalendarView and Restriction are mutually exclusive; incremental
		// mode filters on LastModifiedTime instead.
		fmt.Fprintf(&b, `<m:Restriction><t:IsGreaterThanOrEqualTo>`+
			`<t:FieldURI FieldURI="item:LastModifiedTime"/>`+
			`<t:FieldURIOrConstant><t:Constant Value="%s"/></t:FieldURIOrConstant>`+
			`</t:IsGreaterThanOrEqualTo></m:Restriction>`,
			since.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, `<m:CalendarView StartDate="%s" EndDate="%s"/>`,
			win.Start.UTC().Format(time.RFC3339), win.Stop.UTC().Format(time.RFC3339))
	}
	b.WriteString(`<m:ParentFolderIds>`)
	for _, cal := range folders {
		fmt.Fprintf(&b, `<t:FolderId Id="%s"/>`, xmlEscape(cal.FolderID))
	}
	b.WriteString(`</m:ParentFolderIds></m:FindItem>`)
	b.WriteString(soapFooter)
	return b.String()
}

func getItemRequest(account string, itemIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, soapHeader, xmlEscape(account))
	b.WriteString(`<m:GetItem><m:ItemShape><t:BaseShape>IdOnly</t:BaseShape>` +
		`<t:IncludeMimeContent>true</t:IncludeMimeContent>` +
		`<t:AdditionalProperties><t:FieldURI FieldURI="item:LastModifiedTime"/></t:AdditionalProperties>` +
		`</m:ItemShape><m:ItemIds>`)
	for _, id := range itemIDs {
		fmt.Fprintf(&b, `<t:ItemId Id="%s"/>`, xmlEscape(id))
	}
	b.WriteString(`</m:ItemIds></m:GetItem>`)
	b.WriteString(soapFooter)
	return b.String()
}

func getRoomListsRequest() string {
	var b strings.Builder
	fmt.Fprintf(&b, soapHeader, "")
	b.WriteString(`<m:GetRoomLists/>`)
	b.WriteString(soapFooter)
	return b.String()
}

func getRoomsRequest(roomList string) string {
	var b strings.Builder
	fmt.Fprintf(&b, soapHeader, "")
	fmt.Fprintf(&b, `<m:GetRooms><m:RoomList><t:EmailAddress>%s</t:EmailAddress></m:RoomList></m:GetRooms>`,
		xmlEscape(roomList))
	b.WriteString(soapFooter)
	return b.String()
}

// isFolderIDError reports whether the response code means the stored folder
// id is no longer valid and should be cleared.
func isFolderIDError(code string) bool {
	switch code {
	case "ErrorInvalidFolderId", "ErrorFolderNotFound", "ErrorInvalidIdMalformed":
		return true
	}
	return false
}

// Response bindings. Namespace prefixes are ignored; encoding/xml matches
// on local names.

type findItemResponse struct {
	Messages []findItemMessage `xml:"Body>FindItemResponse>ResponseMessages>FindItemResponseMessage"`
}

type findItemMessage struct {
	ResponseClass string    `xml:"ResponseClass,attr"`
	ResponseCode  string    `xml:"ResponseCode"`
	Items         []ewsItem `xml:"RootFolder>Items>CalendarItem"`
}

type getItemResponse struct {
	Messages []getItemMessage `xml:"Body>GetItemResponse>ResponseMessages>GetItemResponseMessage"`
}

type getItemMessage struct {
	ResponseClass string    `xml:"ResponseClass,attr"`
	ResponseCode  string    `xml:"ResponseCode"`
	Items         []ewsItem `xml:"Items>CalendarItem"`
}

type ewsItem struct {
	ItemID struct {
		ID        string `xml:"Id,attr"`
		ChangeKey string `xml:"ChangeKey,attr"`
	} `xml:"ItemId"`
	MimeContent      string `xml:"MimeContent"`
	LastModifiedTime string `xml:"LastModifiedTime"`
}

type roomListsResponse struct {
	Addresses []struct {
		EmailAddress string `xml:"EmailAddress"`
	} `xml:"Body>GetRoomListsResponse>RoomLists>Address"`
}

type roomsResponse struct {
	Rooms []struct {
		ID struct {
			Name         string `xml:"Name"`
			EmailAddress string `xml:"EmailAddress"`
		} `xml:"Id"`
	} `xml:"Body>GetRoomsResponse>Rooms>Room"`
}
