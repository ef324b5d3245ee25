package envelope

// Well-known envelope kinds. Kinds outside this list pass through the
// gateway subject only to capability checks.
const (
	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"

	KindPresence      = "presence"
	KindSystemWelcome = "system/welcome"
	KindSystemError   = "system/error"
	KindSystemPing    = "system/ping"
	KindSystemPong    = "system/pong"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityGrantAck = "capability/grant-ack"
	KindCapabilityRevoke   = "capability/revoke"

	KindSpaceInvite    = "space/invite"
	KindSpaceInviteAck = "space/invite-ack"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"
)

// SystemParticipant is the from id stamped on gateway-synthesized envelopes.
// Synthesized envelopes bypass the capability check.
const SystemParticipant = "system:gateway"

// Presence event names carried in presence payloads.
const (
	PresenceJoin      = "join"
	PresenceLeave     = "leave"
	PresenceHeartbeat = "heartbeat"
	PresenceInvited   = "invited"
)

// Stable wire error codes surfaced in system/error payloads and REST
// rejections.
const (
	ErrCapabilityViolation     = "capability_violation"
	ErrProtocolVersionMismatch = "protocol_version_mismatch"
	ErrUnknownParticipant      = "unknown_participant"
	ErrAlreadyExists           = "already_exists"
	ErrMalformedEnvelope       = "malformed_envelope"
	ErrRateLimited             = "rate_limited"
	ErrSlowConsumer            = "slow_consumer"
	ErrInternal                = "internal_error"
)
