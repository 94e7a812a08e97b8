// Package domain defines the marketplace records, value types, and rule
// evaluation primitives shared by every marketcore component.
package domain

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is the fixed-width key used by identities, devices and brokers.
type Address = common.Address

// ZeroAddress is the unset key.
var ZeroAddress Address

// ParseAddress decodes a hex key. Malformed input yields an InvalidArgument error.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return ZeroAddress, NewError(KindInvalidArgument, "", s, "malformed address")
	}
	return common.HexToAddress(s), nil
}

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in Change records, events and persistence buckets.
const (
	// EntityIdentity identifies a registered participant.
	EntityIdentity EntityType = "identity"
	// EntityDevice identifies a registered data source.
	EntityDevice EntityType = "device"
	// EntityProduct identifies a priced data offering.
	EntityProduct EntityType = "product"
	// EntityBroker identifies a trade intermediary.
	EntityBroker EntityType = "broker"
	// EntityNegotiation identifies a pre-trade consent record.
	EntityNegotiation EntityType = "negotiation"
	// EntityTrade identifies a binding agreement.
	EntityTrade EntityType = "trade"
	// EntityEscrow identifies a per-trade settlement escrow.
	EntityEscrow EntityType = "escrow"
	// EntityRating identifies a device rating accumulator.
	EntityRating EntityType = "rating"
	EntityAccount EntityType = "account"
)

// EntityTypes lists every ledger bucket in creation-dependency order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityIdentity, EntityDevice, EntityProduct, EntityBroker,
		EntityNegotiation, EntityTrade, EntityEscrow, EntityRating, EntityAccount,
	}
}

// Location enumerates broker regions.
type Location string

// Broker regions.
const (
	LocationBR   Location = "BR"
	LocationEUNE Location = "EUNE"
	LocationEUW  Location = "EUW"
	LocationLAN  Location = "LAN"
	LocationLAS  Location = "LAS"
	LocationNA   Location = "NA"
	LocationOCE  Location = "OCE"
	LocationRU   Location = "RU"
	LocationTR   Location = "TR"
	LocationJP   Location = "JP"
	LocationPH   Location = "PH"
	LocationSG   Location = "SG"
	LocationTW   Location = "TW"
	LocationVN   Location = "VN"
	LocationTH   Location = "TH"
	LocationKR   Location = "KR"
	LocationCN   Location = "CN"
)

var locations = map[Location]struct{}{
	LocationBR: {}, LocationEUNE: {}, LocationEUW: {}, LocationLAN: {}, LocationLAS: {},
	LocationNA: {}, LocationOCE: {}, LocationRU: {}, LocationTR: {}, LocationJP: {},
	LocationPH: {}, LocationSG: {}, LocationTW: {}, LocationVN: {}, LocationTH: {},
	LocationKR: {}, LocationCN: {},
}

// Valid reports whether l is a known region.
func (l Location) Valid() bool {
	_, ok := locations[l]
	return ok
}

// NegotiationStatus captures the negotiation lifecycle.
type NegotiationStatus string

// Negotiation states. Accepted and rejected are terminal.
const (
	NegotiationRequested NegotiationStatus = "requested"
	NegotiationAccepted  NegotiationStatus = "accepted"
	NegotiationRejected  NegotiationStatus = "rejected"
)

// TradeStatus captures the trade lifecycle.
type TradeStatus string

// Trade states. Declined and completed are terminal. A disputed trade
// waits for its broker's ruling.
const (
	TradeRequested TradeStatus = "requested"
	TradeAccepted  TradeStatus = "accepted"
	TradeDisputed  TradeStatus = "disputed"
	TradeDeclined  TradeStatus = "declined"
	TradeCompleted TradeStatus = "completed"
)

// Live reports whether the trade still binds its parties.
func (s TradeStatus) Live() bool {
	return s == TradeRequested || s == TradeAccepted || s == TradeDisputed
}

// EscrowState captures the escrow lifecycle.
type EscrowState string

// Escrow states. Settled is terminal.
const (
	EscrowOpen    EscrowState = "open"
	EscrowLocked  EscrowState = "locked"
	EscrowSettled EscrowState = "settled"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Stamp contains the timestamps common to all registry records.
type Stamp struct {
	CreatedAt Time `json:"created_at"`
	UpdatedAt Time `json:"updated_at"`
}

// Identity is a registered participant.
type Identity struct {
	Stamp
	Address   Address   `json:"address"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Company   string    `json:"company"`
	Email     string    `json:"email"`
	Deleted   bool      `json:"deleted"`
	Devices   []Address `json:"devices"`
	Brokers   []Address `json:"brokers"`
}

// Device is a data source owned by an identity.
type Device struct {
	Stamp
	Address     Address  `json:"address"`
	Owner       Address  `json:"owner"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PublicKey   []byte   `json:"public_key"`
	Deleted     bool     `json:"deleted"`
	Products    []uint64 `json:"products"`
	// Rating is filled from the rating ledger on read and never persisted.
	Rating float64 `json:"-"`
}

// Product is a priced data offering scoped to one device.
type Product struct {
	Stamp
	ID          uint64  `json:"id"`
	Device      Address `json:"device"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	DataType    string  `json:"data_type"`
	Frequency   uint64  `json:"frequency"`
	Price       uint64  `json:"price"`
	Deleted     bool    `json:"deleted"`
}

// Broker is an intermediary that facilitates trades.
type Broker struct {
	Stamp
	Address  Address  `json:"address"`
	Owner    Address  `json:"owner"`
	Name     string   `json:"name"`
	HostAddr string   `json:"host_addr"`
	Location Location `json:"location"`
	Deleted  bool     `json:"deleted"`
}

// Negotiation is the consent record preceding a trade. Price and frequency
// are snapshotted from the product when the negotiation is requested.
type Negotiation struct {
	ID          uint64            `json:"id"`
	Product     uint64            `json:"product"`
	Device      Address           `json:"device"`
	Provider    Address           `json:"provider"`
	Consumer    Address           `json:"consumer"`
	Price       uint64            `json:"price"`
	Frequency   uint64            `json:"frequency"`
	Status      NegotiationStatus `json:"status"`
	RequestedAt Time              `json:"requested_at"`
	DecidedAt   *Time             `json:"decided_at,omitempty"`
}

// Trade is a binding agreement created from an accepted negotiation. Score
// holds the consumer's rating until the trade completes.
type Trade struct {
	ID          uint64      `json:"id"`
	Negotiation uint64      `json:"negotiation"`
	Provider    Address     `json:"provider"`
	Consumer    Address     `json:"consumer"`
	Broker      Address     `json:"broker"`
	Product     uint64      `json:"product"`
	Device      Address     `json:"device"`
	StartTime   Time        `json:"start_time"`
	EndTime     Time        `json:"end_time"`
	Price       uint64      `json:"price"`
	Frequency   uint64      `json:"frequency"`
	Escrow      uint64      `json:"escrow"`
	Status      TradeStatus `json:"status"`
	Completed   bool        `json:"completed"`
	Counters    Counters    `json:"counters"`
	Score       uint64      `json:"score,omitempty"`
	RequestedAt Time        `json:"requested_at"`
	AcceptedAt  *Time       `json:"accepted_at,omitempty"`
	CompletedAt *Time       `json:"completed_at,omitempty"`
}

// Escrow holds a trade's payment until completion. Its key is the trade id.
// FeeTo is the broker operator credited with the broker's share.
type Escrow struct {
	Trade      uint64      `json:"trade"`
	Payer      Address     `json:"payer"`
	Payee      Address     `json:"payee"`
	FeeTo      Address     `json:"fee_to"`
	Amount     uint64      `json:"amount"`
	State      EscrowState `json:"state"`
	Settled    bool        `json:"settled"`
	Settlement *Settlement `json:"settlement,omitempty"`
	LockedAt   *Time       `json:"locked_at,omitempty"`
	SettledAt  *Time       `json:"settled_at,omitempty"`
}

// RatingSubmission is a single rating contribution from a completed trade.
type RatingSubmission struct {
	Trade    uint64  `json:"trade"`
	Consumer Address `json:"consumer"`
	Value    uint64  `json:"value"`
	At       Time    `json:"at"`
}

// Rating accumulates a device's reputation. The average is derived on read.
type Rating struct {
	Device      Address            `json:"device"`
	Total       uint64             `json:"total"`
	Count       uint64             `json:"count"`
	Submissions []RatingSubmission `json:"submissions"`
}

// Average returns Total/Count, or zero for an unrated device.
func (r Rating) Average() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Total) / float64(r.Count)
}

// Submitted reports whether consumer already rated the device for trade.
func (r Rating) Submitted(consumer Address, trade uint64) bool {
	for _, s := range r.Submissions {
		if s.Trade == trade && s.Consumer == consumer {
			return true
		}
	}
	return false
}

// Account tracks the spendable funds of a participant.
type Account struct {
	Address   Address `json:"address"`
	Balance   uint64  `json:"balance"`
	Deposited uint64  `json:"deposited"`
	Withdrawn uint64  `json:"withdrawn"`
}

// Event is a committed, hash-chained notification of a state change.
type Event struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Type     string          `json:"type"`
	Entity   EntityType      `json:"entity"`
	Key      string          `json:"key"`
	Caller   Address         `json:"caller"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// Event types emitted by marketplace commands.
const (
	EventCreated              = "Created"
	EventUpdated              = "Updated"
	EventRemoved              = "Removed"
	EventDeposited            = "Deposited"
	EventWithdrawn            = "Withdrawn"
	EventNegotiationRequested = "NegotiationRequested"
	EventNegotiationAccepted  = "NegotiationAccepted"
	EventNegotiationRejected  = "NegotiationRejected"
	EventTradingRequested     = "TradingRequested"
	EventTradingAccepted      = "TradingAccepted"
	EventTradingDeclined      = "TradingDeclined"
	EventTradeCompleted       = "TradeCompleted"
	EventCounterSet           = "CounterSet"
	EventDisputed             = "Dispute"
	EventLocked               = "Locked"
	EventSettled              = "Settled"
	EventRatingRecorded       = "RatingRecorded"
)

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Key    string
	Before ChangePayload
	After  ChangePayload
}

// Action indicates the type of modification performed.
type Action string

// Change actions. Delete marks a tombstone flip; records are never removed.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates rule violations together with the command's cost and
// the events it produced.
type Result struct {
	Violations []Violation
	GasUsed    uint64
	Events     []Event
}

// Merge appends violations and events from another result and adds its gas.
func (r *Result) Merge(other Result) {
	r.GasUsed += other.GasUsed
	if len(other.Events) > 0 {
		r.Events = append(r.Events, other.Events...)
	}
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
