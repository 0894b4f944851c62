package payment

// LedgerStats 描述符合过滤条件的支付概况。
type LedgerStats struct {
	Total            int     `json:"total"`
	TotalAmount      float64 `json:"total_amount"`
	NewestVerifiedAt int64   `json:"newest_verified_at"`
	OldestVerifiedAt int64   `json:"oldest_verified_at"`
}
