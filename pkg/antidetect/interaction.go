package antidetect

import (
	"context"
	"math/rand/v2"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
)

// Action is one simulated user gesture
type Action string

const (
	ActionMouseMove Action = "mouse_move"
	ActionScroll    Action = "scroll"
	ActionType      Action = "type"
	ActionPause     Action = "pause"
)

// Step is an action preceded by a delay. X and Y are the pointer target
// for mouse moves and the scroll offset for scrolls; Key is the rune typed.
type Step struct {
	Action Action
	Delay  time.Duration
	X, Y   int
	Key    rune
}

// InteractionPlan returns a human-like sequence for a page visit that types
// text: a few pointer moves inside the viewport, some reading scrolls, then
// per-rune typing with occasional pauses between words.
func (p *Provider) InteractionPlan(fp Fingerprint, text string) []Step {
	vp := fp.Viewport
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = defaultViewports[0]
	}

	steps := make([]Step, 0, 8+len(text))

	for i := 0; i < 2+rand.IntN(4); i++ {
		steps = append(steps, Step{
			Action: ActionMouseMove,
			Delay:  between(50*time.Millisecond, 300*time.Millisecond),
			X:      rand.IntN(vp.Width),
			Y:      rand.IntN(vp.Height),
		})
	}

	for i := 0; i < 1+rand.IntN(3); i++ {
		steps = append(steps, Step{
			Action: ActionScroll,
			Delay:  between(300*time.Millisecond, 1200*time.Millisecond),
			Y:      vp.Height/4 + rand.IntN(vp.Height/2+1),
		})
	}

	for _, r := range text {
		steps = append(steps, Step{
			Action: ActionType,
			Delay:  between(p.typing.MinKeyDelay, p.typing.MaxKeyDelay),
			Key:    r,
		})
		if unicode.IsSpace(r) && rand.Float64() < p.typing.PauseChance {
			steps = append(steps, Step{
				Action: ActionPause,
				Delay:  between(400*time.Millisecond, 1500*time.Millisecond),
			})
		}
	}

	return steps
}

// Duration is the total delay of a plan
func Duration(steps []Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.Delay
	}
	return total
}

// Play walks steps in order, waiting each delay on clock before calling
// perform. It stops at the first error or when ctx is done.
func Play(ctx context.Context, clock clockwork.Clock, steps []Step, perform func(Step) error) error {
	for _, s := range steps {
		if s.Delay > 0 {
			timer := clock.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if perform != nil {
			if err := perform(s); err != nil {
				return err
			}
		}
	}
	return nil
}
