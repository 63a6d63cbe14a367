package domain

// Bus channels the engine publishes on. The WS hub subscribes to all three.
const (
	ChannelSales      = "sales"
	ChannelPositions  = "positions"
	ChannelSettlement = "settlement"
)

// Event names carried in the "event" field of every published payload.
const (
	EventSaleCreated              = "sale_created"
	EventCapitalInvested          = "capital_invested"
	EventCapitalRefunded          = "capital_refunded"
	EventExcessCapitalWithdrawn   = "excess_capital_withdrawn"
	EventCapitalWithdrawnOnCancel = "capital_withdrawn_on_cancel"
	EventSaleEnded                = "sale_ended"
	EventSaleCanceled             = "sale_canceled"
	EventCapitalRaisedPublished   = "capital_raised_published"
	EventSaleResultsPublished     = "sale_results_published"
	EventAcceptedCapitalSet       = "accepted_capital_set"
	EventTokensSupplied           = "tokens_supplied"
	EventRaisedCapitalWithdrawn   = "raised_capital_withdrawn"
	EventTokenAllocationClaimed   = "token_allocation_claimed"
	EventVestedTokensReleased     = "vested_tokens_released"
	EventPositionTransferred      = "position_transferred"
	EventPositionsMerged          = "positions_merged"
	EventAddressesSynced          = "addresses_synced"
)

// StreamMessage is one archived event read back from a channel's history
// stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
