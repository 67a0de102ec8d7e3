// Package gpioui is the optional hardware UI collaborator: one
// debounced GPIO input line per jack button and one GPIO output line
// per jack LED, driven against real hardware with
// github.com/warthog618/go-gpiocdev. It never touches sockets or jack
// FSMs directly. It only calls the press callback it is given and
// answers module.Config.OnLED.
package gpioui

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"

	"github.com/doismellburning/patchmesh/pkg/jack"
)

// longPressThreshold distinguishes a long press (abort/disconnect)
// from a short press (state advance). 600ms matches common
// panel-button conventions and is not itself part of any FSM.
const longPressThreshold = 600 * time.Millisecond

// blinkSlowPeriod and blinkRapidPeriod drive the two LED blink rates.
const (
	blinkSlowPeriod  = 500 * time.Millisecond
	blinkRapidPeriod = 150 * time.Millisecond
)

// JackLines maps one jack's io_id to the chip/line offsets its button
// and LED are wired to.
type JackLines struct {
	IOID         string
	Chip         string
	ButtonOffset int
	LEDOffset    int
}

type ledLine struct {
	line  *gpiocdev.Line
	state jack.LedState
	mu    sync.Mutex
	stop  chan struct{}
}

// Hardware owns every requested GPIO line for one module's panel. Close
// releases them all.
type Hardware struct {
	press  func(ioID string, kind jack.PressKind)
	logger *log.Logger

	buttons []*gpiocdev.Line
	leds    map[string]*ledLine

	downAt map[string]time.Time
	mu     sync.Mutex
}

// New requests every line named in specs and starts watching buttons.
// press is called for every completed press/release cycle, matching
// the module façade's Press(io_id, kind).
func New(specs []JackLines, press func(ioID string, kind jack.PressKind), logger *log.Logger) (*Hardware, error) {
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	var h = &Hardware{
		press:  press,
		logger: logger,
		leds:   map[string]*ledLine{},
		downAt: map[string]time.Time{},
	}

	for _, spec := range specs {
		if err := h.addButton(spec); err != nil {
			h.Close()

			return nil, err
		}

		if err := h.addLED(spec); err != nil {
			h.Close()

			return nil, err
		}
	}

	return h, nil
}

func (h *Hardware) addButton(spec JackLines) error {
	var ioID = spec.IOID

	var line, err = gpiocdev.RequestLine(spec.Chip, spec.ButtonOffset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(10*time.Millisecond),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			h.handleEdge(ioID, evt)
		}),
	)
	if err != nil {
		return fmt.Errorf("gpioui: request button line for %s: %w", ioID, err)
	}

	h.buttons = append(h.buttons, line)

	return nil
}

func (h *Hardware) addLED(spec JackLines) error {
	var line, err = gpiocdev.RequestLine(spec.Chip, spec.LEDOffset, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("gpioui: request LED line for %s: %w", spec.IOID, err)
	}

	h.leds[spec.IOID] = &ledLine{line: line, stop: make(chan struct{})}

	return nil
}

func (h *Hardware) handleEdge(ioID string, evt gpiocdev.LineEvent) {
	switch evt.Type {
	case gpiocdev.LineEventFallingEdge:
		h.mu.Lock()
		h.downAt[ioID] = time.Now()
		h.mu.Unlock()
	case gpiocdev.LineEventRisingEdge:
		h.mu.Lock()
		var down, ok = h.downAt[ioID]
		delete(h.downAt, ioID)
		h.mu.Unlock()

		if !ok || h.press == nil {
			return
		}

		var kind = jack.ShortPress
		if time.Since(down) >= longPressThreshold {
			kind = jack.LongPress
		}

		h.press(ioID, kind)
	}
}

// OnLED implements the module.Config.OnLED callback: it drives the
// named jack's LED line to match state.
func (h *Hardware) OnLED(ioID string, state jack.LedState) {
	var led, ok = h.leds[ioID]
	if !ok {
		return
	}

	led.mu.Lock()
	if led.state == state {
		led.mu.Unlock()

		return
	}

	var oldStop = led.stop
	led.state = state
	led.stop = make(chan struct{})
	led.mu.Unlock()

	close(oldStop)

	switch state {
	case jack.Off:
		h.setLine(led, 0)
	case jack.Solid:
		h.setLine(led, 1)
	case jack.BlinkSlow:
		go h.blink(led, blinkSlowPeriod, led.stop)
	case jack.BlinkRapid:
		go h.blink(led, blinkRapidPeriod, led.stop)
	}
}

func (h *Hardware) setLine(led *ledLine, value int) {
	if err := led.line.SetValue(value); err != nil {
		h.logger.Debug("gpioui: set LED line failed", "err", err)
	}
}

func (h *Hardware) blink(led *ledLine, period time.Duration, stop chan struct{}) {
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	var on = true

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if on {
				h.setLine(led, 1)
			} else {
				h.setLine(led, 0)
			}

			on = !on
		}
	}
}

// Close releases every requested GPIO line.
func (h *Hardware) Close() error {
	for _, led := range h.leds {
		led.mu.Lock()
		if led.stop != nil {
			close(led.stop)
			led.stop = nil
		}
		led.mu.Unlock()

		if led.line != nil {
			_ = led.line.Close()
		}
	}

	for _, b := range h.buttons {
		_ = b.Close()
	}

	return nil
}
