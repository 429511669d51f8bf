package event

import "fmt"

// PriceUpdate represents a quote from the price oracle for one feed
type PriceUpdate struct {
	Feed           string
	Price          int64 // Fixed-point: 8 decimal places
	PriceSequence  int64 // Monotonic per feed
	PriceTimestamp int64 // Epoch microseconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Feed, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Partition() *string {
	return &p.Feed
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}
