package constant

// gin context keys
const (
	LangKey       = "lang"
	UserIDKey     = "user_id"
	RoleKey       = "role"
	ClientInfoKey = "client_info"
	RequestIDKey  = "request_id"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// SystemAgentID is recorded as the actor of automatic actions
const SystemAgentID = "system"

// AgentAlertsTopic carries SOS events to every agent console
const AgentAlertsTopic = "agent-alerts"

// UserTopicPrefix + user id carries updates to the owner's own devices
const UserTopicPrefix = "user:"

const HeaderIdempotencyKey = "Idempotency-Key"

// EmergencyNumber is shown when an SOS cannot be recorded
const EmergencyNumber = "112"
