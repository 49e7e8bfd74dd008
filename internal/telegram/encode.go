package telegram

import (
	"fmt"
	"time"
)

// Frame layout (slot = second within the minute, BCD fields LSB first):
//
//	 0-14  fixed 0 (weather broadcast slots, not generated here)
//	15     call bit, 0
//	16     DST change announcement, 0
//	17     CEST flag, 1 while DST is active
//	18     CET flag, 1 outside DST
//	19     leap second announcement, 0
//	20     start of encoded time, always 1
//	21-27  minute BCD, slot 28 even parity over 21-27
//	29-34  hour BCD, slot 35 even parity over 29-34
//	36-41  day of month BCD
//	42-44  day of week, Monday=1 .. Sunday=7
//	45-49  month BCD
//	50-57  year mod 100 BCD, slot 58 even parity over 36-57
//	59     silent minute mark

// Encode builds the frame announcing the minute that FOLLOWS r, which is how
// DCF77 transmits: the encoded time becomes valid at the next minute mark.
// Only minute and hour roll over; the date fields are transmitted unchanged
// across the midnight boundary and receivers settle on the following frame.
func Encode(r Reading) (Frame, error) {
	if err := r.validate(); err != nil {
		return Frame{}, fmt.Errorf("encode: %w", err)
	}

	minute := r.Minute + 1
	hour := r.Hour
	if minute >= 60 {
		minute = 0
		hour = (hour + 1) % 24
	}

	var f Frame
	for i := 0; i < 20; i++ {
		f[i] = PulseShort
	}
	if r.DST {
		f[17] = PulseLong
	} else {
		f[18] = PulseLong
	}
	f[20] = PulseLong

	ones := encodeBCD(&f, 21, 7, bin2bcd(minute))
	f[28] = parityPulse(ones)

	ones = encodeBCD(&f, 29, 6, bin2bcd(hour))
	f[35] = parityPulse(ones)

	weekday := int(r.Weekday)
	if weekday == 0 {
		weekday = 7 // DCF77 counts Monday=1 .. Sunday=7
	}
	ones = encodeBCD(&f, 36, 6, bin2bcd(r.Day))
	ones += encodeBCD(&f, 42, 3, bin2bcd(weekday))
	ones += encodeBCD(&f, 45, 5, bin2bcd(r.Month))
	ones += encodeBCD(&f, 50, 8, bin2bcd(r.Year%100))
	f[58] = parityPulse(ones)

	f[59] = PulseSilent
	return f, nil
}

// bin2bcd packs a two-digit value as (tens<<4)|units. Values below 10 pass
// through unchanged.
func bin2bcd(v int) int {
	if v < 10 {
		return v
	}
	return ((v / 10) << 4) | (v % 10)
}

// encodeBCD writes the low bits of value into f starting at slot start, LSB
// first, and returns the number of 1 bits written (for parity).
func encodeBCD(f *Frame, start, bits, value int) int {
	ones := 0
	for b := 0; b < bits; b++ {
		if value>>b&1 == 1 {
			f[start+b] = PulseLong
			ones++
		} else {
			f[start+b] = PulseShort
		}
	}
	return ones
}

// parityPulse returns the even parity pulse for a field containing the given
// number of 1 bits.
func parityPulse(ones int) Pulse {
	if ones%2 == 1 {
		return PulseLong
	}
	return PulseShort
}

// Decode extracts the transmitted time from a frame. It is the inverse of
// Encode over valid frames: the returned Reading holds the announced (next)
// minute with Second zero, the year expanded into 2000-2099. Frames with bad
// markers, parity errors or non-BCD digits are rejected. This operates on the
// frame model only; it is not a receiver for an off-air signal.
func Decode(f Frame) (Reading, error) {
	if f[59] != PulseSilent {
		return Reading{}, fmt.Errorf("decode: slot 59 is not silent")
	}
	for i := 0; i < 59; i++ {
		if f[i] == PulseSilent {
			return Reading{}, fmt.Errorf("decode: unexpected silent slot %d", i)
		}
	}
	if f[20] != PulseLong {
		return Reading{}, fmt.Errorf("decode: start marker (slot 20) is not 1")
	}
	for i := 0; i < 20; i++ {
		if i == 17 || i == 18 {
			continue
		}
		if f[i] != PulseShort {
			return Reading{}, fmt.Errorf("decode: slot %d is not 0", i)
		}
	}
	if (f[17] == PulseLong) == (f[18] == PulseLong) {
		return Reading{}, fmt.Errorf("decode: exactly one of the DST flags must be set")
	}

	if err := checkParity(f, 21, 28, "minute"); err != nil {
		return Reading{}, err
	}
	if err := checkParity(f, 29, 35, "hour"); err != nil {
		return Reading{}, err
	}
	if err := checkParity(f, 36, 58, "date"); err != nil {
		return Reading{}, err
	}

	minute, err := bcd2bin(decodeBits(f, 21, 7), 59, "minute")
	if err != nil {
		return Reading{}, err
	}
	hour, err := bcd2bin(decodeBits(f, 29, 6), 23, "hour")
	if err != nil {
		return Reading{}, err
	}
	day, err := bcd2bin(decodeBits(f, 36, 6), 31, "day")
	if err != nil {
		return Reading{}, err
	}
	weekday := decodeBits(f, 42, 3)
	if weekday < 1 || weekday > 7 {
		return Reading{}, fmt.Errorf("decode: weekday out of range: %d", weekday)
	}
	month, err := bcd2bin(decodeBits(f, 45, 5), 12, "month")
	if err != nil {
		return Reading{}, err
	}
	year, err := bcd2bin(decodeBits(f, 50, 8), 99, "year")
	if err != nil {
		return Reading{}, err
	}
	if day == 0 {
		return Reading{}, fmt.Errorf("decode: day out of range: 0")
	}
	if month == 0 {
		return Reading{}, fmt.Errorf("decode: month out of range: 0")
	}

	return Reading{
		Year:    2000 + year,
		Month:   month,
		Day:     day,
		Weekday: time.Weekday(weekday % 7),
		Hour:    hour,
		Minute:  minute,
		Second:  0,
		DST:     f[17] == PulseLong,
		Valid:   true,
	}, nil
}

// checkParity verifies even parity over slots [start, parity) with the parity
// pulse at slot parity.
func checkParity(f Frame, start, parity int, field string) error {
	ones := 0
	for i := start; i <= parity; i++ {
		if f[i] == PulseLong {
			ones++
		}
	}
	if ones%2 != 0 {
		return fmt.Errorf("decode: %s parity error", field)
	}
	return nil
}

// decodeBits reads bits LSB first from f starting at slot start.
func decodeBits(f Frame, start, bits int) int {
	v := 0
	for b := 0; b < bits; b++ {
		if f[start+b] == PulseLong {
			v |= 1 << b
		}
	}
	return v
}

// bcd2bin unpacks (tens<<4)|units, rejecting digits above 9 and values above
// max.
func bcd2bin(v, max int, field string) (int, error) {
	units := v & 0x0F
	tens := v >> 4
	if units > 9 {
		return 0, fmt.Errorf("decode: %s has a non-BCD digit: %#x", field, v)
	}
	n := tens*10 + units
	if n > max {
		return 0, fmt.Errorf("decode: %s out of range: %d", field, n)
	}
	return n, nil
}
