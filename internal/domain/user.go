package domain

import (
	"fmt"
	"strconv"
	"time"
)

// APIProfile is a named panel credential.
type APIProfile struct {
	URL string `json:"api_url"`
	Key string `json:"api_key"`
}

// Template is a saved job recipe that can be applied to many links.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	APIProfile  string    `json:"api_profile"`
	ServiceID   string    `json:"service_id"`
	Quantity    int       `json:"quantity"`
	GrowthMin   float64   `json:"increase_min"`
	GrowthMax   float64   `json:"increase_max"`
	Frequency   int       `json:"frequency"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderRecord is one entry of a user's order history.
type OrderRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Quantity  int       `json:"quantity"`
	Result    Result    `json:"response"`
	JobID     string    `json:"job_id"`
	ServiceID string    `json:"service_id"`
	Link      string    `json:"link"`
}

// User is an account of the users collection, keyed by ID.
type User struct {
	ID          string                `json:"id"`
	TelegramID  int64                 `json:"telegram_id,omitempty"`
	APIProfiles map[string]APIProfile `json:"api_profiles"`
	Templates   []Template            `json:"templates"`
	Orders      []OrderRecord         `json:"orders"`
	CreatedAt   time.Time             `json:"created_at"`
}

// AppendOrder appends rec and keeps at most limit records (limit <= 0: all).
func (u *User) AppendOrder(rec OrderRecord, limit int) {
	u.Orders = append(u.Orders, rec)
	if limit > 0 && len(u.Orders) > limit {
		u.Orders = append([]OrderRecord(nil), u.Orders[len(u.Orders)-limit:]...)
	}
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.APIProfiles != nil {
		cp.APIProfiles = make(map[string]APIProfile, len(u.APIProfiles))
		for k, v := range u.APIProfiles {
			cp.APIProfiles[k] = v
		}
	}
	cp.Templates = append([]Template(nil), u.Templates...)
	if u.Orders != nil {
		cp.Orders = make([]OrderRecord, len(u.Orders))
		for i, o := range u.Orders {
			o.Result = o.Result.Clone()
			cp.Orders[i] = o
		}
	}
	return &cp
}

// Counters are the process-wide order statistics.
type Counters struct {
	TotalOrders      int64   `json:"total_orders"`
	SuccessfulOrders int64   `json:"successful_orders"`
	FailedOrders     int64   `json:"failed_orders"`
	TotalSpent       float64 `json:"total_spent"`
	Last24hOrders    int64   `json:"last_24h_orders"`
	TotalUsers       int64   `json:"total_users"`
	ActiveUsers      int64   `json:"active_users"`
}

// CostPerUnit is the flat spend estimate per ordered unit.
const CostPerUnit = 0.001

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(v)
	}
}

// AdminUserID is the requester identity of the operator when acting without
// a linked account, and the recipient id that routes to the admin chat.
const AdminUserID = "admin"
