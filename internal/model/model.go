// Package model содержит доменные сущности сервиса прачечных washmart.
package model

import "time"

// Role описывает роль участника, выполняющего операцию.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleShop     Role = "shop"
)

// Actor описывает аутентифицированного участника запроса.
type Actor struct {
	ID   string
	Role Role
}

// Promotion описывает акцию магазина со скидкой на все услуги.
type Promotion struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PercentOff  int64  `json:"percentOff"`
}

// RatingEntry описывает отзыв покупателя по одному заказу.
type RatingEntry struct {
	Score      int       `json:"score"`
	Comment    string    `json:"comment"`
	ReviewerID string    `json:"reviewerId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ServiceCatalog хранит цены магазина: категория -> тип услуги -> цена за единицу.
type ServiceCatalog map[string]map[string]int64

// Price возвращает цену услуги и признак её наличия в каталоге.
func (c ServiceCatalog) Price(category, serviceType string) (int64, bool) {
	types, ok := c[category]
	if !ok {
		return 0, false
	}
	price, ok := types[serviceType]
	return price, ok
}

// Shop описывает прачечную, её каталог услуг и агрегированный рейтинг.
type Shop struct {
	ID                 string                 `json:"id"`
	OwnerID            string                 `json:"ownerId"`
	Name               string                 `json:"name"`
	Address            string                 `json:"address"`
	Phone              string                 `json:"phone"`
	MinimumOrderAmount int64                  `json:"minimumOrderAmount"`
	Promotion          *Promotion             `json:"promotion,omitempty"`
	Services           ServiceCatalog         `json:"services"`
	Rating             float64                `json:"ratings"`
	RatingEntries      map[string]RatingEntry `json:"ratingEntries,omitempty"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// User описывает покупателя. Баланс баллов ведётся только через журнал вознаграждений.
type User struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	Address            string    `json:"address"`
	RewardPointBalance int64     `json:"rewardPointBalance"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Rider описывает курьера магазина. ID выдаёт магазин и он уникален среди всех магазинов.
type Rider struct {
	ID         string    `json:"id"`
	ShopID     string    `json:"shopId"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	BikeNumber string    `json:"bikeNumber"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DeliveryOption описывает срочность доставки.
type DeliveryOption string

const (
	DeliveryNormal DeliveryOption = "normal"
	DeliveryUrgent DeliveryOption = "urgent"
)

// PaymentMethod описывает выбранный способ оплаты.
type PaymentMethod string

const (
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentCard           PaymentMethod = "card"
)

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "Pending"
	PaymentPaid      PaymentStatus = "Paid"
	PaymentRefundDue PaymentStatus = "RefundDue"
)

// OrderStatus описывает статус заказа в жизненном цикле.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProceeding OrderStatus = "proceeding"
	OrderStatusWashing    OrderStatus = "washing"
	OrderStatusDelivery   OrderStatus = "delivery"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Settlement описывает состояние начисления и списания баллов по заказу.
type Settlement string

const (
	SettlementPending     Settlement = "pending"
	SettlementSettled     Settlement = "settled"
	SettlementCompensated Settlement = "compensated"
)

// CartLine описывает позицию корзины. Цена из корзины справочная: итог считается по каталогу магазина.
type CartLine struct {
	ShopID          string `json:"shopId"`
	ServiceCategory string `json:"serviceCategory"`
	ServiceType     string `json:"serviceType"`
	UnitPrice       int64  `json:"unitPrice"`
	Quantity        int64  `json:"quantity"`
}

// OrderItem фиксирует позицию заказа на момент оформления.
type OrderItem struct {
	ServiceCategory string `json:"serviceCategory"`
	ServiceType     string `json:"serviceType"`
	ListPrice       int64  `json:"listPrice"`
	UnitPrice       int64  `json:"unitPrice"`
	Quantity        int64  `json:"quantity"`
	LineTotal       int64  `json:"lineTotal"`
}

// Quote содержит итог расчёта стоимости корзины.
type Quote struct {
	ListSubtotal          int64 `json:"listSubtotal"`
	Subtotal              int64 `json:"subtotal"`
	Discount              int64 `json:"discount"`
	Surcharge             int64 `json:"surcharge"`
	TotalBeforeRedemption int64 `json:"totalBeforeRedemption"`
	Redemption            int64 `json:"redemption"`
	Total                 int64 `json:"total"`
	PointsEarned          int64 `json:"pointsEarned"`

	Lines []OrderItem `json:"lines"`
}

// Order описывает заказ. Поля идентичности неизменны после создания.
type Order struct {
	ID                   string         `json:"id"`
	OrderNumber          int64          `json:"orderNumber"`
	UserID               string         `json:"userId"`
	ShopID               string         `json:"shopId"`
	Items                []OrderItem    `json:"items"`
	OriginalTotal        int64          `json:"originalTotal"`
	Quote                Quote          `json:"quote"`
	DeliveryOption       DeliveryOption `json:"deliveryOption"`
	DeliveryAddress      string         `json:"deliveryAddress"`
	DeliveryAt           time.Time      `json:"deliveryAt"`
	PaymentMethod        PaymentMethod  `json:"paymentMethod"`
	Payment              PaymentStatus  `json:"payment"`
	PaymentReference     string         `json:"paymentReference,omitempty"`
	Status               OrderStatus    `json:"status"`
	PreviousStatus       OrderStatus    `json:"previousStatus,omitempty"`
	RewardPointsEarned   int64          `json:"rewardPointsEarned"`
	RewardPointsRedeemed int64          `json:"rewardPointsRedeemed"`
	Settlement           Settlement     `json:"settlement"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// IsTerminal сообщает, находится ли заказ в конечном статусе.
func (o Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// OrderStatusChanged описывает событие смены статуса заказа.
type OrderStatusChanged struct {
	OrderID        string      `json:"orderId"`
	OrderNumber    int64       `json:"orderNumber"`
	ShopID         string      `json:"shopId"`
	UserID         string      `json:"userId"`
	PreviousStatus OrderStatus `json:"previousStatus"`
	NewStatus      OrderStatus `json:"newStatus"`
	ActorID        string      `json:"actorId"`
	OccurredAt     time.Time   `json:"occurredAt"`
}
