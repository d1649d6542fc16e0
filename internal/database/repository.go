package database

import (
	"context"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// CustomerRepository manages tenant boundaries.
type CustomerRepository interface {
	Create(ctx context.Context, c *models.Customer) error
	GetByID(ctx context.Context, id int64) (*models.Customer, error)
	GetByTenantID(ctx context.Context, brand, tenantID string) (*models.Customer, error)
	GetByDomainKey(ctx context.Context, domain string) (*models.Customer, error)
	List(ctx context.Context) ([]models.Customer, error)
	Update(ctx context.Context, c *models.Customer) error
}

// ClusterRepository manages MCU clusters.
type ClusterRepository interface {
	Create(ctx context.Context, c *models.Cluster) error
	GetByID(ctx context.Context, id int64) (*models.Cluster, error)
	GetBySecretKey(ctx context.Context, key string) (*models.Cluster, error)
	List(ctx context.Context) ([]models.Cluster, error)
	Update(ctx context.Context, c *models.Cluster) error
}

// CredentialsRepository manages calendar source connections.
type CredentialsRepository interface {
	Create(ctx context.Context, c *models.Credentials) error
	GetByID(ctx context.Context, id int64) (*models.Credentials, error)
	ListSyncable(ctx context.Context) ([]models.Credentials, error)
	Update(ctx context.Context, c *models.Credentials) error
	SetSyncResult(ctx context.Context, id int64, full bool, ts time.Time, syncErr string) error
	SetRoomDiscovery(ctx context.Context, id int64, ts time.Time) error
}

// CalendarRepository manages mailbox folders.
type CalendarRepository interface {
	Create(ctx context.Context, c *models.Calendar) error
	ListByCredentials(ctx context.Context, credentialsID int64) ([]models.Calendar, error)
	MarkBroken(ctx context.Context, id int64, clearFolder bool) error
	SetLastSync(ctx context.Context, id int64, ts time.Time) error
}

// EndpointRepository manages room systems.
type EndpointRepository interface {
	Create(ctx context.Context, e *models.Endpoint) error
	GetByID(ctx context.Context, id int64) (*models.Endpoint, error)
	GetByEmailKey(ctx context.Context, key string) (*models.Endpoint, error)
	ListByIDs(ctx context.Context, ids []int64) ([]models.Endpoint, error)
}

// MeetingRepository manages booked conference occurrences.
type MeetingRepository interface {
	Create(ctx context.Context, m *models.Meeting) error
	GetByID(ctx context.Context, id int64) (*models.Meeting, error)
	GetBySourceUID(ctx context.Context, source, icalUID string) (*models.Meeting, error)
	Update(ctx context.Context, m *models.Meeting) error
	Activate(ctx context.Context, id int64) error
	Deactivate(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// RecurringMeetingRepository manages series masters.
type RecurringMeetingRepository interface {
	Create(ctx context.Context, rm *models.RecurringMeeting) error
	GetByUID(ctx context.Context, customerID int64, uid string) (*models.RecurringMeeting, error)
}

// CalendarItemRepository manages invite-to-meeting joins.
type CalendarItemRepository interface {
	Upsert(ctx context.Context, item *models.CalendarItem) error
	GetByItemID(ctx context.Context, credentialsID int64, itemID string) (*models.CalendarItem, error)
	GetEmailItem(ctx context.Context, itemID string) (*models.CalendarItem, error)
	ListByCredentials(ctx context.Context, credentialsID int64, uid, recurrenceID string) ([]models.CalendarItem, error)
	ListAllByCredentials(ctx context.Context, credentialsID int64) ([]models.CalendarItem, error)
	Delete(ctx context.Context, id int64) error
}

// CallRepository manages MCU conference rows.
type CallRepository interface {
	Create(ctx context.Context, c *models.Call) error
	GetByID(ctx context.Context, id int64) (*models.Call, error)
	GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Call, error)
	FindByCospace(ctx context.Context, serverID int64, cospaceID string, around time.Time, window time.Duration) (*models.Call, error)
	FindByCorrelator(ctx context.Context, serverID int64, correlator string, from, to time.Time) ([]models.Call, error)
	FindPeersByCospace(ctx context.Context, serverID int64, cospaceID string, from, to time.Time) ([]models.Call, error)
	ListActiveIdleSince(ctx context.Context, serverID int64, idle time.Time) ([]models.Call, error)
	Update(ctx context.Context, c *models.Call) error
	Delete(ctx context.Context, id int64) error
	ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Call, error)
}

// LegRepository manages participant legs.
type LegRepository interface {
	Create(ctx context.Context, l *models.Leg) error
	GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Leg, error)
	ListByCall(ctx context.Context, callID int64) ([]models.Leg, error)
	ListByConversation(ctx context.Context, serverID int64, conversationID string) ([]models.Leg, error)
	Update(ctx context.Context, l *models.Leg) error
	MoveToCall(ctx context.Context, fromCallID, toCallID int64) error
	SetShouldCount(ctx context.Context, id int64, v bool) error
	StopMissing(ctx context.Context, serverID int64, liveGUIDs []string, stop time.Time) (int64, error)
	ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Leg, error)
}

// LegConversationRepository manages reconnect groupings.
type LegConversationRepository interface {
	GetOrCreate(ctx context.Context, serverID int64, guid, firstLegGUID string) (*models.LegConversation, bool, error)
	SetFirstLeg(ctx context.Context, id int64, firstLegGUID string) error
}

// ActiveParticipantRepository holds the live participant rows. Writes go
// through the livestate reconciler only.
type ActiveParticipantRepository interface {
	Create(ctx context.Context, p *models.ActiveParticipant) error
	GetByGUID(ctx context.Context, clusterID int64, guid string) (*models.ActiveParticipant, error)
	ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveParticipant, error)
	CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (total, gateway int, err error)
	Delete(ctx context.Context, id int64) error
	UpdateCustomer(ctx context.Context, id int64, customerID *int64) error
}

// ActiveCallRepository holds the live call rows.
type ActiveCallRepository interface {
	Create(ctx context.Context, c *models.ActiveCall) error
	GetByName(ctx context.Context, clusterID int64, name string) (*models.ActiveCall, error)
	ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveCall, error)
	CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (int, error)
	Delete(ctx context.Context, id int64) error
	UpdateCustomer(ctx context.Context, id int64, customerID *int64) error
}

// PolicyStateRepository manages cached occupancy counters.
type PolicyStateRepository interface {
	GetOrCreate(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error)
	ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerPolicyState, error)
	Save(ctx context.Context, s *models.CustomerPolicyState) error
}

// CustomerPolicyRepository manages policy records.
type CustomerPolicyRepository interface {
	Create(ctx context.Context, p *models.CustomerPolicy) error
	GetActive(ctx context.Context, customerID int64, today time.Time) (*models.CustomerPolicy, error)
}

// MatchRuleRepository manages ordered customer match rules.
type MatchRuleRepository interface {
	Create(ctx context.Context, r *models.CustomerMatchRule) error
	ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerMatchRule, error)
}

// PolicyLogRepository appends policy gate decisions.
type PolicyLogRepository interface {
	Append(ctx context.Context, e *models.ExternalPolicyLog) error
	ListRecent(ctx context.Context, clusterID int64, limit int) ([]models.ExternalPolicyLog, error)
}

// InvalidCallStatsRepository tracks per-day spam counters.
type InvalidCallStatsRepository interface {
	Increment(ctx context.Context, clusterID int64, day string, unknownDestination, shortCall int) error
	Get(ctx context.Context, clusterID int64, day string) (*models.InvalidCallStats, error)
	Totals(ctx context.Context, clusterID int64) (unknownDestination, shortCall int64, err error)
}

// RawLogRepository appends and retrieves compressed inbound payloads.
type RawLogRepository interface {
	Append(ctx context.Context, e *models.RawLogEntry) error
	FindByEventID(ctx context.Context, store, eventID string) ([]models.RawLogEntry, error)
}
