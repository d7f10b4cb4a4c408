package protocol

import "encoding/json"

// Descriptor names or codes a catalog entity.
type Descriptor struct {
	Name string `json:"name,omitempty"`
	Code string `json:"code,omitempty"`
}

// Price is a protocol money value. Value stays a string on the wire.
type Price struct {
	Currency string `json:"currency,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Location carries a GPS coordinate in "lat,lng" form.
type Location struct {
	GPS string `json:"gps,omitempty"`
}

// Stop is a fulfillment start or end point.
type Stop struct {
	Location      Location        `json:"location,omitempty"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
}

// FulfillmentState wraps the fulfillment status descriptor.
type FulfillmentState struct {
	Descriptor Descriptor `json:"descriptor,omitempty"`
}

// Fulfillment describes ride delivery details on orders and callbacks.
type Fulfillment struct {
	Type     string            `json:"type,omitempty"`
	State    *FulfillmentState `json:"state,omitempty"`
	Tracking bool              `json:"tracking,omitempty"`
	Start    *Stop             `json:"start,omitempty"`
	End      *Stop             `json:"end,omitempty"`
	Vehicle  json.RawMessage   `json:"vehicle,omitempty"`
	Agent    json.RawMessage   `json:"agent,omitempty"`
}

// SearchIntent is the message body of an outbound search.
type SearchIntent struct {
	Intent Intent `json:"intent"`
}

// Intent describes what the rider is looking for.
type Intent struct {
	Fulfillment Fulfillment     `json:"fulfillment"`
	Payment     json.RawMessage `json:"payment,omitempty"`
	Tags        json.RawMessage `json:"tags,omitempty"`
}

// OrderMessage is the message body of select, init and confirm, and of
// their callbacks.
type OrderMessage struct {
	Order Order `json:"order"`
}

// Order is the protocol order block. Billing and payment remain raw:
// the gateway relays them without interpreting their inner structure.
type Order struct {
	ID          string          `json:"id,omitempty"`
	State       string          `json:"state,omitempty"`
	Provider    *OrderProvider  `json:"provider,omitempty"`
	Items       []OrderItem     `json:"items,omitempty"`
	Billing     json.RawMessage `json:"billing,omitempty"`
	Fulfillment *Fulfillment    `json:"fulfillment,omitempty"`
	Quote       *Quote          `json:"quote,omitempty"`
	Payment     json.RawMessage `json:"payment,omitempty"`
	Error       *Error          `json:"error,omitempty"`
}

// OrderProvider references the catalog provider for an order.
type OrderProvider struct {
	ID string `json:"id"`
}

// OrderItem references a catalog item with a quantity.
type OrderItem struct {
	ID       string        `json:"id"`
	Quantity *ItemQuantity `json:"quantity,omitempty"`
}

// ItemQuantity is the ordered item count.
type ItemQuantity struct {
	Count int `json:"count"`
}

// Quote is the priced offer returned by on_select.
type Quote struct {
	Price   Price            `json:"price"`
	Breakup []QuoteComponent `json:"breakup,omitempty"`
	TTL     string           `json:"ttl,omitempty"`
}

// QuoteComponent is one line of a quote breakup.
type QuoteComponent struct {
	Title string `json:"title,omitempty"`
	Price Price  `json:"price,omitempty"`
}

// CatalogMessage is the message body of on_search.
type CatalogMessage struct {
	Catalog Catalog `json:"catalog"`
}

// Catalog carries provider offers. The legacy "bpp/providers" key is
// what the mobility network emits.
type Catalog struct {
	Providers []CatalogProvider `json:"bpp/providers"`
}

// CatalogProvider is one BPP provider entry in a catalog.
type CatalogProvider struct {
	ID         string          `json:"id"`
	Descriptor *Descriptor     `json:"descriptor,omitempty"`
	Items      []CatalogItem   `json:"items"`
	Locations  []Location      `json:"locations,omitempty"`
	Tags       json.RawMessage `json:"tags,omitempty"`
}

// CatalogItem is one offered ride product.
type CatalogItem struct {
	ID            string      `json:"id"`
	Descriptor    *Descriptor `json:"descriptor,omitempty"`
	Price         Price       `json:"price"`
	FulfillmentID string      `json:"fulfillment_id,omitempty"`
}

// OrderRefMessage is the message body of status and track.
type OrderRefMessage struct {
	OrderID string `json:"order_id"`
}

// CancelMessage is the message body of cancel.
type CancelMessage struct {
	OrderID              string `json:"order_id"`
	CancellationReasonID string `json:"cancellation_reason_id,omitempty"`
}

// TrackingMessage is the message body of on_track.
type TrackingMessage struct {
	Tracking Tracking `json:"tracking"`
}

// Tracking carries live tracking state for a fulfillment.
type Tracking struct {
	URL      string    `json:"url,omitempty"`
	Status   string    `json:"status,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// IssueMessage is the message body of issue and its callbacks.
type IssueMessage struct {
	Issue Issue `json:"issue"`
}

// Issue is the IGM issue block.
type Issue struct {
	ID           string            `json:"id"`
	Category     string            `json:"category,omitempty"`
	SubCategory  string            `json:"sub_category,omitempty"`
	Status       string            `json:"status,omitempty"`
	IssueType    string            `json:"issue_type,omitempty"`
	Description  *IssueDescription `json:"description,omitempty"`
	Complainant  json.RawMessage   `json:"complainant_info,omitempty"`
	OrderDetails json.RawMessage   `json:"order_details,omitempty"`
	Source       json.RawMessage   `json:"source,omitempty"`
	Actions      json.RawMessage   `json:"issue_actions,omitempty"`
	Resolution   *IssueResolution  `json:"resolution,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
}

// IssueDescription is the free-text description block.
type IssueDescription struct {
	ShortDesc string   `json:"short_desc,omitempty"`
	LongDesc  string   `json:"long_desc,omitempty"`
	Images    []string `json:"images,omitempty"`
}

// IssueResolution is the counterparty's resolution block.
type IssueResolution struct {
	ShortDesc       string `json:"short_desc,omitempty"`
	LongDesc        string `json:"long_desc,omitempty"`
	ActionTriggered string `json:"action_triggered,omitempty"`
	RefundAmount    string `json:"refund_amount,omitempty"`
}

// OrderbookMessage is the message body of on_receiver_recon.
type OrderbookMessage struct {
	Orderbook Orderbook `json:"orderbook"`
}

// Orderbook carries the settlement orders of one reconciliation batch.
type Orderbook struct {
	Orders []ReconOrder `json:"orders"`
}

// ReconOrder is one order settlement record in a reconciliation batch.
type ReconOrder struct {
	ID           string          `json:"id"`
	SettlementID string          `json:"settlement_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Payment      *ReconPayment   `json:"payment,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ReconPayment is the settlement payment block of a recon order.
type ReconPayment struct {
	Params *ReconParams `json:"params,omitempty"`
	Type   string       `json:"type,omitempty"`
	URN    string       `json:"urn,omitempty"`
}

// ReconParams carries the settled amount.
type ReconParams struct {
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// UnmarshalJSON keeps the raw order body alongside the typed fields so
// the full record can be persisted untouched.
func (o *ReconOrder) UnmarshalJSON(data []byte) error {
	type alias ReconOrder
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*o = ReconOrder(decoded)
	o.Raw = append(o.Raw[:0], data...)
	return nil
}
