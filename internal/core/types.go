package core

import "marketcore/pkg/domain"

type (
	Address            = domain.Address
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	Identity           = domain.Identity
	Device             = domain.Device
	Product            = domain.Product
	Broker             = domain.Broker
	Negotiation        = domain.Negotiation
	Trade              = domain.Trade
	Escrow             = domain.Escrow
	Settlement         = domain.Settlement
	Rating             = domain.Rating
	Account            = domain.Account
	Event              = domain.Event
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
	GasSchedule        = domain.GasSchedule
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

const (
	EntityIdentity    = domain.EntityIdentity
	EntityDevice      = domain.EntityDevice
	EntityProduct     = domain.EntityProduct
	EntityBroker      = domain.EntityBroker
	EntityNegotiation = domain.EntityNegotiation
	EntityTrade       = domain.EntityTrade
	EntityEscrow      = domain.EntityEscrow
	EntityRating      = domain.EntityRating
	EntityAccount     = domain.EntityAccount
)

var callerFrom = domain.CallerFrom
