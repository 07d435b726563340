package statushttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"perpd/internal/ledger"
	"perpd/internal/position"
)

// CoreView is the read-only slice of the engine the API exposes.
type CoreView interface {
	GetPosition() position.Position
	GetOpenOrders() []ledger.Order
	Balance() position.Balance
	Subscriptions() map[string]string
	SessionState() string
	OrderByID(clientOrderID string) (ledger.Order, bool)
}

type Router struct {
	core   CoreView
	recent *EventLog
}

func NewRouter(core CoreView, recent *EventLog) *Router {
	return &Router{core: core, recent: recent}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/orders", r.handleOpenOrders)
	group.GET("/orders/:id", r.handleOrderByID)
	group.GET("/position", r.handlePosition)
	group.GET("/balance", r.handleBalance)
	group.GET("/session", r.handleSession)
	if r.recent != nil {
		group.GET("/events", r.handleEvents)
	}
}

type orderDTO struct {
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	Instrument      string `json:"instrument"`
	Side            string `json:"side"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price,omitempty"`
	Status          string `json:"status"`
	FilledQuantity  string `json:"filled_quantity"`
	AvgFillPrice    string `json:"avg_fill_price"`
	RejectReason    string `json:"reject_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toOrderDTO(o ledger.Order) orderDTO {
	dto := orderDTO{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Instrument:      o.Instrument,
		Side:            string(o.Side),
		Quantity:        o.Quantity.String(),
		Status:          string(o.Status),
		FilledQuantity:  o.FilledQuantity.String(),
		AvgFillPrice:    o.AvgFillPrice.String(),
		RejectReason:    o.RejectReason,
		CreatedAt:       o.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:       o.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if o.Price != nil {
		dto.Price = o.Price.String()
	}
	return dto
}

func (r *Router) handleOpenOrders(c *gin.Context) {
	orders := r.core.GetOpenOrders()
	out := make([]orderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderDTO(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (r *Router) handleOrderByID(c *gin.Context) {
	order, ok := r.core.OrderByID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown order"})
		return
	}
	c.JSON(http.StatusOK, toOrderDTO(order))
}

func (r *Router) handlePosition(c *gin.Context) {
	c.JSON(http.StatusOK, r.core.GetPosition())
}

func (r *Router) handleBalance(c *gin.Context) {
	c.JSON(http.StatusOK, r.core.Balance())
}

func (r *Router) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":         r.core.SessionState(),
		"subscriptions": r.core.Subscriptions(),
	})
}

func (r *Router) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": r.recent.Recent()})
}
