// Package status persists delivery outcome counters and serves the relay's
// operator surface: a JSON status endpoint, a health probe and the
// Prometheus registry.
package status

// DeliveryStat is one delivery outcome counter row. Outcomes are the
// delivery engine's classifications ("success", "retryable", "fatal",
// "dead_lettered", "deferred").
type DeliveryStat struct {
	Outcome string `gorm:"column:outcome;primaryKey" json:"outcome"`
	Count   int64  `gorm:"column:count" json:"count"`
	LastAt  int64  `gorm:"column:last_at" json:"last_at"` // epoch milliseconds
}

// TableName fixes the table the counters live in.
func (DeliveryStat) TableName() string {
	return "delivery_stats"
}
