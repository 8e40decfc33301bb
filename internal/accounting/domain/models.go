package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Service is a backend registered under a public path.
type Service struct {
	PublicPath      string `json:"public_path" gorm:"column:public_path;primaryKey;type:varchar(255)"`
	URL             string `json:"url" gorm:"column:url;type:text;not null"`
	IsContextBroker bool   `json:"is_context_broker" gorm:"column:is_context_broker;not null;default:false"`
	CBVersion       string `json:"cb_version" gorm:"column:cb_version;type:varchar(8)"`
}

func (Service) TableName() string { return "services" }

type Offering struct {
	Organization string `json:"organization" gorm:"column:organization;type:text"`
	Name         string `json:"name" gorm:"column:name;type:text"`
	Version      string `json:"version" gorm:"column:version;type:text"`
}

// AccountingRecord is the usage counter bound to one API key.
type AccountingRecord struct {
	APIKey            string          `json:"api_key" gorm:"column:api_key;primaryKey;type:varchar(255)"`
	PublicPath        string          `json:"public_path" gorm:"column:public_path;type:varchar(255);not null;index"`
	OrderID           string          `json:"order_id" gorm:"column:order_id;type:text"`
	ProductID         string          `json:"product_id" gorm:"column:product_id;type:text"`
	Customer          string          `json:"customer" gorm:"column:customer;type:text"`
	Unit              string          `json:"unit" gorm:"column:unit;type:varchar(64);not null"`
	Value             decimal.Decimal `json:"value" gorm:"column:value;type:numeric(30,10);not null;default:0"`
	RecordType        string          `json:"record_type" gorm:"column:record_type;type:varchar(64)"`
	CorrelationNumber int64           `json:"correlation_number" gorm:"column:correlation_number;not null;default:0"`
	Offering          Offering        `json:"offering" gorm:"embedded;embeddedPrefix:offering_"`
}

func (AccountingRecord) TableName() string { return "accounting_records" }

// AccountingInfo is the record joined with its service backend.
type AccountingInfo struct {
	APIKey            string `json:"api_key"`
	PublicPath        string `json:"public_path"`
	Unit              string `json:"unit"`
	URL               string `json:"url"`
	RecordType        string `json:"record_type"`
	CorrelationNumber int64  `json:"correlation_number"`
}

// Subscription binds a Context Broker subscription to the API key that created it.
type Subscription struct {
	ID              string     `json:"subscription_id" gorm:"column:subscription_id;primaryKey;type:varchar(255)"`
	APIKey          string     `json:"api_key" gorm:"column:api_key;type:varchar(255);not null;index"`
	NotificationURL string     `json:"notification_url" gorm:"column:notification_url;type:text;not null"`
	Unit            string     `json:"unit" gorm:"column:unit;type:varchar(64);not null"`
	Version         string     `json:"version" gorm:"column:version;type:varchar(8)"`
	Expires         *time.Time `json:"expires,omitempty" gorm:"column:expires"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionUpdate carries the optional fields of an update. Nil fields are left untouched.
type SubscriptionUpdate struct {
	NotificationURL *string
	Expires         *time.Time
}

type UsageSpecification struct {
	Unit string `gorm:"column:unit;primaryKey;type:varchar(64)"`
	Href string `gorm:"column:href;type:text;not null"`
}

func (UsageSpecification) TableName() string { return "usage_specifications" }
