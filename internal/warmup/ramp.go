package warmup

// MaxDay is the length of the warm-up horizon; identities past it are
// completed.
const MaxDay = 30

// RampStep is one day of the volume ramp. ReplyRate is the share of
// warm-up sends the partner pool is expected to answer, which decays as
// the identity's reputation establishes.
type RampStep struct {
	Day       int
	MinSends  int
	MaxSends  int
	ReplyRate float64
}

// rampTable maps day -> target volume. Both bounds increase monotonically
// over the whole horizon.
var rampTable = [MaxDay]RampStep{
	{1, 2, 5, 1.0},
	{2, 3, 6, 1.0},
	{3, 4, 8, 1.0},
	{4, 5, 10, 0.8},
	{5, 6, 12, 0.8},
	{6, 7, 14, 0.8},
	{7, 8, 16, 0.8},
	{8, 10, 20, 0.6},
	{9, 12, 24, 0.6},
	{10, 14, 28, 0.6},
	{11, 16, 32, 0.6},
	{12, 18, 36, 0.6},
	{13, 20, 40, 0.6},
	{14, 22, 44, 0.4},
	{15, 25, 50, 0.4},
	{16, 28, 56, 0.4},
	{17, 31, 62, 0.4},
	{18, 34, 68, 0.4},
	{19, 37, 74, 0.4},
	{20, 40, 80, 0.4},
	{21, 44, 88, 0.3},
	{22, 48, 96, 0.3},
	{23, 52, 104, 0.3},
	{24, 56, 112, 0.3},
	{25, 60, 120, 0.3},
	{26, 64, 128, 0.3},
	{27, 68, 135, 0.3},
	{28, 71, 140, 0.3},
	{29, 73, 145, 0.3},
	{30, 75, 150, 0.3},
}

// StepFor returns the ramp step for a day, clamping outside the horizon.
func StepFor(day int) RampStep {
	if day < 1 {
		day = 1
	}
	if day > MaxDay {
		day = MaxDay
	}
	return rampTable[day-1]
}

// DailyMin returns the minimum target volume for a day.
func DailyMin(day int) int {
	return StepFor(day).MinSends
}

// DailyMax returns the daily send cap for a day.
func DailyMax(day int) int {
	return StepFor(day).MaxSends
}

// RampFactor paces sub-daily bursts: early days may front-load harder
// relative to the flat daily cap.
func RampFactor(day int) float64 {
	switch {
	case day <= 14:
		return 1.5
	case day <= 21:
		return 1.2
	default:
		return 1.0
	}
}
