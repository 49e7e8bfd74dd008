package timesource

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/sweeney/dcf77-emitter/internal/telegram"
)

const (
	defaultNMEABaud     = 9600
	defaultNMEAValidFor = 10 * time.Second
)

// NMEASource reads time from a GPS receiver on a serial port. A reader
// goroutine scans RMC sentences and stores the offset against the system
// clock; the tick path only reads the stored offset. RMC fixes carry UTC, so
// readings are converted into the configured zone.
type NMEASource struct {
	portName string
	validFor time.Duration
	loc      *time.Location
	log      zerolog.Logger

	port  serial.Port
	clock offsetClock
	done  chan struct{}
}

// NewNMEASource opens the serial port and starts the reader. A zero baud
// rate falls back to 9600, a zero validity window to 10s (a live receiver
// emits RMC once per second).
func NewNMEASource(portName string, baud int, validFor time.Duration, loc *time.Location, log zerolog.Logger) (*NMEASource, error) {
	if baud <= 0 {
		baud = defaultNMEABaud
	}
	if validFor <= 0 {
		validFor = defaultNMEAValidFor
	}

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}

	s := &NMEASource{
		portName: portName,
		validFor: validFor,
		loc:      loc,
		log:      log,
		port:     port,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Name identifies the source.
func (s *NMEASource) Name() string { return "nmea" }

// Now returns the GPS time projected from the last fix. The reading is not
// valid before the first fix or once the last one is older than the validity
// window.
func (s *NMEASource) Now() telegram.Reading {
	return s.clock.reading(s.loc, s.validFor)
}

// Close stops the reader and closes the port.
func (s *NMEASource) Close() error {
	close(s.done)
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("close serial port: %w", err)
	}
	return nil
}

func (s *NMEASource) run() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}

		ref, ok := parseRMC(strings.TrimSpace(scanner.Text()))
		if !ok {
			continue
		}

		now := time.Now()
		s.clock.set(ref.Sub(now), now)
	}

	// Closing the port ends the scan; only an unexpected end is worth a log.
	select {
	case <-s.done:
	default:
		if err := scanner.Err(); err != nil {
			s.log.Warn().Err(err).Str("port", s.portName).Msg("serial read ended")
		}
	}
}

// parseRMC extracts the UTC time from a GPRMC/GNRMC sentence. Sentences
// without a fix (status V) and other sentence types are skipped.
func parseRMC(line string) (time.Time, bool) {
	if !strings.HasPrefix(line, "$GPRMC") && !strings.HasPrefix(line, "$GNRMC") {
		return time.Time{}, false
	}
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}

	// $xxRMC,hhmmss.ss,A,lat,NS,lon,EW,speed,course,ddmmyy,...
	parts := strings.Split(line, ",")
	if len(parts) < 10 {
		return time.Time{}, false
	}
	if parts[2] != "A" {
		return time.Time{}, false
	}

	hms := parts[1]
	dmy := parts[9]
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, false
	}

	hour, err1 := strconv.Atoi(hms[0:2])
	min, err2 := strconv.Atoi(hms[2:4])
	sec, err3 := strconv.Atoi(hms[4:6])
	day, err4 := strconv.Atoi(dmy[0:2])
	month, err5 := strconv.Atoi(dmy[2:4])
	yy, err6 := strconv.Atoi(dmy[4:6])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
		return time.Time{}, false
	}

	// Two-digit year window: 80-99 belong to the 1900s.
	year := 2000 + yy
	if yy >= 80 {
		year = 1900 + yy
	}

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 60 {
		return time.Time{}, false
	}

	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC), true
}
