package indexer

import (
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/ddkit/ddk/model"
)

// progressEmitter coalesces a phase's progress events to at most one every
// 100ms, always letting the phase's final (100%) event through regardless of
// the limiter, so a fast phase never goes unreported.
type progressEmitter struct {
	sink         func(model.Event)
	connectionID string
	limiter      *rate.Limiter
}

func newProgressEmitter(sink func(model.Event), connectionID string) *progressEmitter {
	return &progressEmitter{
		sink:         sink,
		connectionID: connectionID,
		limiter:      rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

func (e *progressEmitter) emit(phase string, percent, current, total int) {
	final := current >= total
	if !final && !e.limiter.Allow() {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"connectionId": e.connectionID,
		"phase":        phase,
		"percent":      percent,
		"current":      current,
		"total":        total,
	})
	e.sink(model.Event{
		Type:      model.EventIndexProgress,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
