package models

import "time"

// MCU brands supported by the core.
const (
	BrandAcano = "acano"
	BrandPexip = "pexip"
)

// Customer is a tenant boundary. At most one customer may claim a given
// (cluster, tenant id) pair. Customers are created by admins and never
// deleted by the core.
type Customer struct {
	ID            int64
	Title         string
	AcanoTenantID string
	PexipTenantID string
	DomainKeys    string // JSON array of SMTP domains
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Cluster is a logical group of MCU nodes of one brand.
type Cluster struct {
	ID                int64
	Title             string
	Brand             string // "acano" | "pexip"
	Nodes             string // JSON array of API base URLs
	APIUsername       string
	APIPassword       string
	DefaultCustomerID *int64
	SecretKey         string // authenticates push CDR
	WebDomains        string // JSON array; rewritten to MainDomain in dial-strings
	MainDomain        string
	SoftLimitAction   int
	HardLimitAction   int
	CreatedAt         time.Time
}

// Credential connection types.
const (
	CredExchangeBasic = "exchange_basic"
	CredExchangeOAuth = "exchange_oauth"
	CredMSGraphOAuth  = "msgraph_oauth"
)

// Credentials is a connection to an external calendar source.
// Mutated only by the sync engine setting timestamps and error fields.
type Credentials struct {
	ID                    int64
	CustomerID            int64
	Type                  string // exchange_basic | exchange_oauth | msgraph_oauth
	Username              string
	Password              string
	OAuthClientID         string
	OAuthClientSecret     string
	OAuthTenantID         string
	Server                string // override; empty uses autodiscover
	AutodiscoverBlob      string
	VideoMeetingsOnly     bool
	EnableSync            bool
	LastFullSyncTS        *time.Time
	LastIncrementalSyncTS *time.Time
	LastRoomDiscoveryTS   *time.Time
	LastSyncError         string
	IsWorking             bool
	CreatedAt             time.Time
}

// Calendar is a single mailbox/folder under a Credentials, bound to an
// Endpoint. Unique on (endpoint, folder_id, username).
type Calendar struct {
	ID            int64
	CredentialsID int64
	Username      string
	FolderID      string // opaque vendor id
	EndpointID    int64
	IsWorking     bool
	TSLastSync    *time.Time
}

// Endpoint is a physical or virtual room system.
type Endpoint struct {
	ID            int64
	CustomerID    int64
	Title         string
	EmailKey      string
	SIPAliases    string // JSON array
	OrgUnit       string
	SupportsTeams bool
}

// Meeting providers.
const (
	ProviderExternal = "external"
	ProviderOffline  = "offline"
)

// Meeting is a booked conference occurrence. A meeting is activated exactly
// once per lifetime and deactivated on cancellation.
type Meeting struct {
	ID                int64
	CustomerID        int64
	Provider          string // "external" | "offline"
	RecurringMasterID *int64
	TSStart           time.Time
	TSStop            time.Time
	Timezone          string
	Title             string
	ICalUID           string
	RecurrenceID      string // empty for non-recurring occurrences
	RoomInfo          string // JSON array of room dial specs
	SettingsJSON      string
	DialString        string
	Source            string // "ews:<cred_id>" | "msgraph:<cred_id>" | "email"
	BackendActive     bool
	ActivatedAt       *time.Time
	DeactivatedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasStarted reports whether the meeting's scheduled start has passed.
func (m *Meeting) HasStarted(now time.Time) bool {
	return !m.TSStart.After(now)
}

// RecurringMeeting is the series master for recurring bookings.
type RecurringMeeting struct {
	ID                       int64
	CustomerID               int64
	UID                      string
	ExternalOccasionHandling bool
	CreatedAt                time.Time
}

// CalendarItem joins a remote invite to a Meeting.
// Unique on (credentials, item_id).
type CalendarItem struct {
	ID int64
	// CredentialsID is nil for items booked over the email ingress.
	CredentialsID      *int64
	CalendarID         *int64
	ItemID             string // opaque vendor id
	ChangeKey          string // vendor etag
	ICalUID            string
	RecurrenceID       string
	MeetingID          *int64
	RecurringMeetingID *int64
	// Serialized is the sync-identity of the invite the item was last
	// written from. The calendar diff compares it against freshly fetched
	// invites to detect changes.
	Serialized string
}

// Call is one MCU-observed conference. Unique on (server, guid) when guid
// is set; otherwise matched by (server, cospace, time window).
type Call struct {
	ID             int64
	ServerID       int64 // cluster id
	GUID           string
	Cospace        string // display name
	CospaceID      string
	CorrelatorGUID string
	TSStart        time.Time
	TSStop         *time.Time
	TSFinalized    *time.Time
	Tenant         string
	OrgUnit        string
	LegCount       int
	Duration       *int
	TotalDuration  int
	CDRStateInfo   string // opaque; cleared when ts_stop is set
	CustomerID     *int64
}

// Leg protocols.
const (
	ProtoSIP     = "sip"
	ProtoH323    = "h323"
	ProtoCMS     = "cms"
	ProtoLync    = "lync"
	ProtoCluster = "cluster"
	ProtoStream  = "stream"
	ProtoLyncSub = "lync_sub"
	ProtoWebRTC  = "webrtc"
	ProtoTeams   = "teams"
	ProtoGMS     = "gms"
	ProtoSpark   = "spark"
)

// Leg service types.
const (
	ServiceConference      = "conference"
	ServiceGateway         = "gateway"
	ServiceIVR             = "ivr"
	ServiceTwoStageDialing = "two_stage_dialing"
)

// Leg is one participant attachment to a Call. At most one (server, guid)
// row; leg.server always equals call.server.
type Leg struct {
	ID               int64
	ServerID         int64
	CallID           *int64
	GUID             string
	GUID2            string // alternate vendor id
	ConversationID   string
	TSStart          time.Time
	TSStop           *time.Time
	Duration         *int
	Local            string
	Remote           string
	Target           string // normalized
	Direction        string // "in" | "out" | ""
	Protocol         string
	ServiceType      string
	Role             string
	IsGuest          bool
	ShouldCountStats bool
	OrgUnit          string
	Tenant           string
	CustomerID       *int64

	PacketlossPercent  *float64
	Jitter             *float64
	Bandwidth          *int
	RxPixels           *int
	TxPixels           *int
	ViewerPercent      *float64
	ContributorPercent *float64
}

// LegConversation groups legs belonging to one participant that reconnected
// or carried multi-channel streams. The leg named by FirstLegGUID is the
// only stats-bearing leg within the conversation.
type LegConversation struct {
	ID           int64
	ServerID     int64
	GUID         string
	FirstLegGUID string
}

// ActiveParticipant is the authoritative "participant is live now" row.
// Unique on (cluster, guid). Only the livestate reconciler writes these.
type ActiveParticipant struct {
	ID         int64
	ClusterID  int64
	CustomerID *int64
	GUID       string
	Name       string
	IsGateway  bool
	TSCreated  time.Time
}

// ActiveCall mirrors ActiveParticipant per call. Unique on (cluster, name).
type ActiveCall struct {
	ID         int64
	ClusterID  int64
	CustomerID *int64
	Name       string
	TSCreated  time.Time
}

// Participant limit statuses.
const (
	StatusOK        = "ok"
	StatusSoftLimit = "soft_limit"
	StatusHardLimit = "hard_limit"
)

// CustomerPolicyState is the cached live counter per (cluster, customer),
// with one null-customer row per cluster. Recomputed from the active rows
// on every change and on periodic rebuild.
type CustomerPolicyState struct {
	ID                        int64
	ClusterID                 int64
	CustomerID                *int64
	ActiveCalls               int
	ActiveParticipants        int
	ActiveParticipantsGateway int
	ParticipantStatus         string
	UpdatedAt                 time.Time
}

// Policy limit actions.
const (
	ActionDefault   = -1
	ActionIgnore    = 0
	ActionLog       = 1
	ActionAudioOnly = 2
	ActionQualitySD = 3
	ActionQuality72 = 4
	ActionReject    = 5
)

// CustomerPolicy is the record CustomerPolicyState is checked against.
// The active policy for a customer is the one with greatest
// date_start <= today.
type CustomerPolicy struct {
	ID                      int64
	CustomerID              int64
	DateStart               time.Time
	ParticipantNormalLimit  int
	ParticipantGatewayLimit int
	ParticipantHardLimit    int
	SoftLimitAction         int
	HardLimitAction         int
}

// ParticipantLimit derives the soft participant limit.
func (p *CustomerPolicy) ParticipantLimit() int {
	if g := p.ParticipantGatewayLimit * 2; g > p.ParticipantNormalLimit {
		return g
	}
	return p.ParticipantNormalLimit
}

// CustomerMatchRule assigns a customer by regex over conference names and
// aliases. Evaluated in priority order.
type CustomerMatchRule struct {
	ID         int64
	ClusterID  int64
	CustomerID int64
	Priority   int
	Pattern    string // regex
}

// ExternalPolicyLog records each policy gate decision.
type ExternalPolicyLog struct {
	ID          int64
	ClusterID   int64
	CustomerID  *int64
	Conference  string
	LocalAlias  string
	RemoteAlias string
	Limit       int
	Action      int
	TSCreated   time.Time
}

// InvalidCallStats is a per-day spam counter per cluster.
type InvalidCallStats struct {
	ID                 int64
	ClusterID          int64
	Day                string // YYYY-MM-DD
	UnknownDestination int
	ShortCall          int
}

// RawLogEntry is one append-only compressed payload record. Payloads are
// keyed by (ts_created, uuid_start) and looked up by the first 36 chars of
// the event id.
type RawLogEntry struct {
	ID        int64
	Store     string // acano_cdr | pexip_eventsink | pexip_policy | pexip_history | email
	ClusterID *int64
	EventID   string // first-36-char event id
	TSCreated time.Time
	UUIDStart string
	Body      []byte // gzip-compressed payload
}
