package timesource

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

// Seconds between the NTP epoch (1900) and the Unix epoch (1970).
const ntpEpochOffset = 2208988800

const (
	defaultSNTPPoll     = 5 * time.Minute
	defaultSNTPTimeout  = 5 * time.Second
	defaultSNTPValidFor = time.Hour
)

// SNTPSource keeps an offset against an NTP server. A background goroutine
// queries the server on a fixed interval; the tick path only reads the
// stored offset.
type SNTPSource struct {
	server   string
	poll     time.Duration
	timeout  time.Duration
	validFor time.Duration
	loc      *time.Location
	log      zerolog.Logger

	clock offsetClock
	done  chan struct{}
}

// NewSNTPSource starts polling server (host or host:port, port 123 assumed).
// Zero durations fall back to 5m poll, 5s timeout, 1h validity.
func NewSNTPSource(server string, poll, timeout, validFor time.Duration, loc *time.Location, log zerolog.Logger) *SNTPSource {
	if poll <= 0 {
		poll = defaultSNTPPoll
	}
	if timeout <= 0 {
		timeout = defaultSNTPTimeout
	}
	if validFor <= 0 {
		validFor = defaultSNTPValidFor
	}

	s := &SNTPSource{
		server:   server,
		poll:     poll,
		timeout:  timeout,
		validFor: validFor,
		loc:      loc,
		log:      log,
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Name identifies the source.
func (s *SNTPSource) Name() string { return "sntp" }

// Now returns the server time projected from the last poll. The reading is
// not valid before the first successful poll or once the last one is older
// than the validity window.
func (s *SNTPSource) Now() telegram.Reading {
	return s.clock.reading(s.loc, s.validFor)
}

// Close stops the polling goroutine.
func (s *SNTPSource) Close() error {
	close(s.done)
	return nil
}

func (s *SNTPSource) run() {
	s.sync()

	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.sync()
		}
	}
}

func (s *SNTPSource) sync() {
	ref, err := querySNTP(s.server, s.timeout)
	if err != nil {
		s.log.Warn().Err(err).Str("server", s.server).Msg("sntp query failed")
		return
	}

	now := time.Now()
	offset := ref.Sub(now)
	s.clock.set(offset, now)
	s.log.Debug().
		Str("server", s.server).
		Dur("offset", offset).
		Msg("sntp synced")
}

// querySNTP performs a single SNTP exchange and returns the server transmit
// timestamp.
func querySNTP(server string, timeout time.Duration) (time.Time, error) {
	if !strings.Contains(server, ":") {
		server = net.JoinHostPort(server, "123")
	}

	conn, err := net.DialTimeout("udp", server, timeout)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}

	// 48-byte request, LI=0 VN=3 Mode=3 (client).
	req := make([]byte, 48)
	req[0] = 0x1B
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, fmt.Errorf("send request: %w", err)
	}

	resp := make([]byte, 48)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return time.Time{}, fmt.Errorf("read response: %w", err)
	}

	// Transmit timestamp: seconds since 1900 at byte 40, fraction at 44.
	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])
	if secs == 0 {
		return time.Time{}, fmt.Errorf("server %s returned zero timestamp", server)
	}

	nanos := int64(frac) * int64(time.Second) >> 32
	return time.Unix(int64(secs)-ntpEpochOffset, nanos), nil
}
