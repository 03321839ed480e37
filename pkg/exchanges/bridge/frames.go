package bridge

import "execution-core/pkg/exchanges/common"

const (
	opLogin              = "login"
	opSubscribeTrades    = "subscribe_trades"
	opUnsubscribeTrades  = "unsubscribe_trades"
	opSubscribePositions = "subscribe_positions"
	opSubmit             = "submit"
	opModify             = "modify"
	opCancel             = "cancel"
	opPosition           = "position"
	opOrderStatus        = "order_status"
)

const (
	frameResponse = "response"
	frameTick     = "tick"
	frameOrder    = "order"
	framePosition = "position"
)

// outbound is a request to the sidecar. Every request carries an id the
// sidecar echoes in its response.
type outbound struct {
	Op       string                `json:"op"`
	ID       string                `json:"id"`
	Username string                `json:"username,omitempty"`
	Password string                `json:"password,omitempty"`
	Symbol   string                `json:"symbol,omitempty"`
	Exchange string                `json:"exchange,omitempty"`
	Account  string                `json:"account,omitempty"`
	ClientID string                `json:"client_id,omitempty"`
	Order    *common.OrderRequest  `json:"order,omitempty"`
	Modify   *common.ModifyRequest `json:"modify,omitempty"`
}

// inbound is either a response to a request or an unsolicited notification.
type inbound struct {
	Type          string                 `json:"type"`
	ID            string                 `json:"id,omitempty"`
	OK            bool                   `json:"ok"`
	Error         string                 `json:"error,omitempty"`
	BrokerOrderID string                 `json:"broker_order_id,omitempty"`
	Status        common.OrderStatus     `json:"status,omitempty"`
	Tick          *common.Tick           `json:"tick,omitempty"`
	Order         *common.OrderUpdate    `json:"order,omitempty"`
	Position      *common.PositionUpdate `json:"position,omitempty"`
}
