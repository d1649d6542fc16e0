package booking

import (
	"context"
	"sort"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/email"
)

// In-memory repositories shared by the booking tests.

type memMeetings struct {
	seq  int64
	rows map[int64]models.Meeting
}

func newMemMeetings() *memMeetings {
	return &memMeetings{rows: make(map[int64]models.Meeting)}
}

func (m *memMeetings) Create(ctx context.Context, mt *models.Meeting) error {
	m.seq++
	mt.ID = m.seq
	mt.CreatedAt = time.Now()
	m.rows[mt.ID] = *mt
	return nil
}

func (m *memMeetings) GetByID(ctx context.Context, id int64) (*models.Meeting, error) {
	if row, ok := m.rows[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (m *memMeetings) GetBySourceUID(ctx context.Context, source, icalUID string) (*models.Meeting, error) {
	var best *models.Meeting
	for id := range m.rows {
		row := m.rows[id]
		if row.Source == source && row.ICalUID == icalUID {
			if best == nil || row.ID > best.ID {
				best = &row
			}
		}
	}
	return best, nil
}

func (m *memMeetings) Update(ctx context.Context, mt *models.Meeting) error {
	m.rows[mt.ID] = *mt
	return nil
}

func (m *memMeetings) Activate(ctx context.Context, id int64) error {
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	row.BackendActive = true
	if row.ActivatedAt == nil {
		now := time.Now()
		row.ActivatedAt = &now
	}
	m.rows[id] = row
	return nil
}

func (m *memMeetings) Deactivate(ctx context.Context, id int64) error {
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	row.BackendActive = false
	now := time.Now()
	row.DeactivatedAt = &now
	m.rows[id] = row
	return nil
}

func (m *memMeetings) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

type memRecurring struct {
	seq  int64
	rows map[string]models.RecurringMeeting
}

func newMemRecurring() *memRecurring {
	return &memRecurring{rows: make(map[string]models.RecurringMeeting)}
}

func (m *memRecurring) Create(ctx context.Context, rm *models.RecurringMeeting) error {
	m.seq++
	rm.ID = m.seq
	m.rows[rm.UID] = *rm
	return nil
}

func (m *memRecurring) GetByUID(ctx context.Context, customerID int64, uid string) (*models.RecurringMeeting, error) {
	if row, ok := m.rows[uid]; ok && row.CustomerID == customerID {
		return &row, nil
	}
	return nil, nil
}

type memItems struct {
	seq  int64
	rows map[int64]models.CalendarItem
}

func newMemItems() *memItems {
	return &memItems{rows: make(map[int64]models.CalendarItem)}
}

func (m *memItems) itemKey(credentialsID *int64, itemID string) *models.CalendarItem {
	for id := range m.rows {
		row := m.rows[id]
		if row.ItemID != itemID {
			continue
		}
		switch {
		case credentialsID == nil && row.CredentialsID == nil:
			return &row
		case credentialsID != nil && row.CredentialsID != nil && *credentialsID == *row.CredentialsID:
			return &row
		}
	}
	return nil
}

func (m *memItems) Upsert(ctx context.Context, item *models.CalendarItem) error {
	if existing := m.itemKey(item.CredentialsID, item.ItemID); existing != nil {
		item.ID = existing.ID
	} else {
		m.seq++
		item.ID = m.seq
	}
	m.rows[item.ID] = *item
	return nil
}

func (m *memItems) GetByItemID(ctx context.Context, credentialsID int64, itemID string) (*models.CalendarItem, error) {
	return m.itemKey(&credentialsID, itemID), nil
}

func (m *memItems) GetEmailItem(ctx context.Context, itemID string) (*models.CalendarItem, error) {
	return m.itemKey(nil, itemID), nil
}

func (m *memItems) ListByCredentials(ctx context.Context, credentialsID int64, uid, recurrenceID string) ([]models.CalendarItem, error) {
	var out []models.CalendarItem
	for _, row := range m.rows {
		if row.CredentialsID != nil && *row.CredentialsID == credentialsID &&
			row.ICalUID == uid && row.RecurrenceID == recurrenceID {
			out = append(out, row)
		}
	}
	sortItems(out)
	return out, nil
}

func (m *memItems) ListAllByCredentials(ctx context.Context, credentialsID int64) ([]models.CalendarItem, error) {
	var out []models.CalendarItem
	for _, row := range m.rows {
		if row.CredentialsID != nil && *row.CredentialsID == credentialsID {
			out = append(out, row)
		}
	}
	sortItems(out)
	return out, nil
}

func (m *memItems) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

func sortItems(items []models.CalendarItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

type memEndpoints struct {
	rows map[string]models.Endpoint
}

func newMemEndpoints(eps ...models.Endpoint) *memEndpoints {
	m := &memEndpoints{rows: make(map[string]models.Endpoint)}
	for _, ep := range eps {
		m.rows[ep.EmailKey] = ep
	}
	return m
}

func (m *memEndpoints) Create(ctx context.Context, e *models.Endpoint) error {
	m.rows[e.EmailKey] = *e
	return nil
}

func (m *memEndpoints) GetByID(ctx context.Context, id int64) (*models.Endpoint, error) {
	for _, ep := range m.rows {
		if ep.ID == id {
			return &ep, nil
		}
	}
	return nil, nil
}

func (m *memEndpoints) GetByEmailKey(ctx context.Context, key string) (*models.Endpoint, error) {
	if ep, ok := m.rows[key]; ok {
		return &ep, nil
	}
	return nil, nil
}

func (m *memEndpoints) ListByIDs(ctx context.Context, ids []int64) ([]models.Endpoint, error) {
	var out []models.Endpoint
	for _, id := range ids {
		if ep, err := m.GetByID(ctx, id); err == nil && ep != nil {
			out = append(out, *ep)
		}
	}
	return out, nil
}

type memCustomers struct {
	rows map[int64]models.Customer
	// byDomain maps an SMTP domain to a customer id.
	byDomain map[string]int64
}

func newMemCustomers() *memCustomers {
	return &memCustomers{rows: make(map[int64]models.Customer), byDomain: make(map[string]int64)}
}

func (m *memCustomers) add(c models.Customer, domains ...string) {
	m.rows[c.ID] = c
	for _, d := range domains {
		m.byDomain[d] = c.ID
	}
}

func (m *memCustomers) Create(ctx context.Context, c *models.Customer) error {
	m.rows[c.ID] = *c
	return nil
}

func (m *memCustomers) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	if c, ok := m.rows[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memCustomers) GetByTenantID(ctx context.Context, brand, tenantID string) (*models.Customer, error) {
	return nil, nil
}

func (m *memCustomers) GetByDomainKey(ctx context.Context, domain string) (*models.Customer, error) {
	if id, ok := m.byDomain[domain]; ok {
		return m.GetByID(ctx, id)
	}
	return nil, nil
}

func (m *memCustomers) List(ctx context.Context) ([]models.Customer, error) { return nil, nil }

func (m *memCustomers) Update(ctx context.Context, c *models.Customer) error {
	m.rows[c.ID] = *c
	return nil
}

type fakeSender struct {
	sent []email.Confirmation
}

func (f *fakeSender) SendConfirmation(ctx context.Context, cfg email.SMTPConfig, conf email.Confirmation) error {
	f.sent = append(f.sent, conf)
	return nil
}
