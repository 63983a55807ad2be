package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Locate when no strategy matched before the
// deadline
var ErrNotFound = errors.New("not found")

// Strategy is a named way of finding an element
type Strategy struct {
	Name  string
	Probe func(ctx context.Context, page Page) (Element, bool)
}

// BySelector returns a strategy matching the first visible element for
// selector
func BySelector(name, selector string) Strategy {
	return Strategy{
		Name: name,
		Probe: func(ctx context.Context, page Page) (Element, bool) {
			els, err := page.Query(ctx, selector)
			if err != nil || len(els) == 0 {
				return Element{}, false
			}
			return els[0], true
		},
	}
}

// Selectors turns an ordered selector list into strategies named after the
// selectors
func Selectors(selectors ...string) []Strategy {
	strategies := make([]Strategy, 0, len(selectors))
	for _, s := range selectors {
		strategies = append(strategies, BySelector(s, s))
	}
	return strategies
}

// Locate runs the strategies in order, in rounds paced by interval, until one
// finds an element or ctx is done. what names the element in errors.
func Locate(ctx context.Context, page Page, interval time.Duration, what string, strategies []Strategy) (Element, Strategy, error) {
	if len(strategies) == 0 {
		return Element{}, Strategy{}, fmt.Errorf("%s %w: no strategies", what, ErrNotFound)
	}

	ticker := backoff.NewTicker(backoff.NewConstantBackOff(interval))
	defer ticker.Stop()

	rounds := 0
	for {
		select {
		case <-ctx.Done():
			return Element{}, Strategy{}, fmt.Errorf("%s %w after %d rounds", what, ErrNotFound, rounds)
		case <-ticker.C:
		}
		rounds++

		for _, s := range strategies {
			if el, ok := s.Probe(ctx, page); ok {
				log.WithContext(ctx).WithFields(log.Fields{
					"element":  what,
					"strategy": s.Name,
					"round":    rounds,
				}).Debug("Located element")
				return el, s, nil
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
}
