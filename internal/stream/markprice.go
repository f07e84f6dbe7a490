package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tacke300/fund-sub001/config"
	"github.com/Tacke300/fund-sub001/internal/exchange"
	"github.com/Tacke300/fund-sub001/logger"
)

// MarkPriceStream consumes the combined mark-price feed and republishes each
// frame as a batch of funding updates on a channel. The REST refresh stays
// authoritative; this only tightens the data between refreshes. All updates
// flow through the channel so the scheduler remains the only state writer.
type MarkPriceStream struct {
	cfg config.StreamConfig
	log *logger.Log
	out chan []exchange.FundingRate
	wg  sync.WaitGroup
}

func NewMarkPrice(cfg config.StreamConfig) *MarkPriceStream {
	return &MarkPriceStream{
		cfg: cfg,
		log: logger.GetLogger(),
		out: make(chan []exchange.FundingRate, 16),
	}
}

// Updates is the channel the scheduler consumes.
func (s *MarkPriceStream) Updates() <-chan []exchange.FundingRate {
	return s.out
}

// Start runs the read loop with reconnects until ctx is cancelled.
func (s *MarkPriceStream) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.out)
		for {
			if err := s.readOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.WithComponent("stream").WithVenue("binance").WithError(err).Warn("stream disconnected, reconnecting")
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := sleepCtx(ctx, s.cfg.ReconnectDelay.Std()); err != nil {
				return
			}
		}
	}()
}

// Stop blocks until the read loop has exited.
func (s *MarkPriceStream) Stop() {
	s.wg.Wait()
}

func (s *MarkPriceStream) readOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.WithComponent("stream").WithFields(logger.Fields{"url": s.cfg.URL}).Info("stream connected")

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		batch, err := parseMarkPriceFrame(msg)
		if err != nil {
			s.log.WithComponent("stream").WithError(err).Debug("unparseable stream frame")
			continue
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case s.out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Consumer is behind; drop the frame, the next one supersedes it.
		}
	}
}

type markPriceEvent struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// parseMarkPriceFrame decodes one combined-stream frame into funding updates.
// Events without a parseable funding rate are skipped.
func parseMarkPriceFrame(msg []byte) ([]exchange.FundingRate, error) {
	var events []markPriceEvent
	if err := json.Unmarshal(msg, &events); err != nil {
		// Single-symbol streams deliver a bare object.
		var one markPriceEvent
		if err2 := json.Unmarshal(msg, &one); err2 != nil {
			return nil, err
		}
		events = []markPriceEvent{one}
	}
	out := make([]exchange.FundingRate, 0, len(events))
	for _, ev := range events {
		if ev.Event != "markPriceUpdate" || ev.Symbol == "" {
			continue
		}
		rate, err := strconv.ParseFloat(ev.FundingRate, 64)
		if err != nil {
			continue
		}
		mark, _ := strconv.ParseFloat(ev.MarkPrice, 64)
		out = append(out, exchange.FundingRate{
			Symbol:          ev.Symbol,
			Rate:            rate,
			NextFundingTime: ev.NextFundingTime,
			MarkPrice:       mark,
		})
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
