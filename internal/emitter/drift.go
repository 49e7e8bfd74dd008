package emitter

import "time"

// Drift compensates for timer skew so the tick grid stays aligned with the
// time source. Small per-tick drift is accumulated and paid back through
// shortened or stretched intervals; implausibly large drift is discarded as
// a scheduling hiccup.
type Drift struct {
	// Accum is the drift collected since the last correction or reset.
	Accum time.Duration

	// LastTick is when the previous tick was observed. Zero until the first
	// observation after a reset.
	LastTick time.Time

	// LastResync is when the accumulator was last force-cleared.
	LastResync time.Time

	// Corrections counts consecutive ticks that needed a correction.
	Corrections int
}

// DriftResult reports what one observation did.
type DriftResult struct {
	// Interval is the duration until the next tick.
	Interval time.Duration

	// Drift is the raw deviation of this tick from the base interval.
	Drift time.Duration

	// Outlier is set when the deviation was discarded as implausible.
	Outlier bool

	// Corrected is set when the interval was adjusted.
	Corrected bool

	// Correction is the amount subtracted from the base interval.
	Correction time.Duration

	// Resynced is set when the accumulator was force-cleared.
	Resynced bool
}

// Observe records a tick that fired at now and returns the interval to the
// next one. base is the nominal tick period.
func (d *Drift) Observe(now time.Time, base time.Duration, cfg DriftConfig) DriftResult {
	res := DriftResult{Interval: base}

	// First tick after a reset just establishes the baseline.
	if d.LastTick.IsZero() {
		d.LastTick = now
		if d.LastResync.IsZero() {
			d.LastResync = now
		}
		return res
	}

	drift := now.Sub(d.LastTick) - base
	d.LastTick = now
	res.Drift = drift

	if drift >= cfg.MaxSane || drift <= -cfg.MaxSane {
		// A GC pause or scheduler stall, not clock drift.
		res.Outlier = true
	} else {
		d.Accum += drift
	}

	if now.Sub(d.LastResync) >= cfg.ResyncInterval || d.Accum > cfg.ResyncAccum || d.Accum < -cfg.ResyncAccum {
		d.Accum = 0
		d.Corrections = 0
		d.LastResync = now
		res.Resynced = true
		return res
	}

	if d.Accum > cfg.Threshold || d.Accum < -cfg.Threshold {
		corr := d.Accum
		if corr > cfg.MaxCorrection {
			corr = cfg.MaxCorrection
		}
		if corr < -cfg.MaxCorrection {
			corr = -cfg.MaxCorrection
		}
		res.Interval = base - corr
		res.Corrected = true
		res.Correction = corr
		d.Accum -= corr
		d.Corrections++
	} else {
		d.Corrections = 0
	}

	return res
}

// Reset clears all compensator state and restarts the resync clock. Used
// when emission (re)starts.
func (d *Drift) Reset(now time.Time) {
	d.Accum = 0
	d.LastTick = time.Time{}
	d.LastResync = now
	d.Corrections = 0
}

// ZeroAccumulator clears only the accumulated drift. Used on a time
// discontinuity, where the tick cadence itself was fine.
func (d *Drift) ZeroAccumulator() {
	d.Accum = 0
}
