package training

// LinearSchedule warms the learning rate up linearly from 0 over Warmup steps and then
// decays it linearly to 0 at Total steps.
type LinearSchedule struct {
	Base   float64
	Warmup int
	Total  int
}

// At returns the learning rate used by the update at the given 0-based step.
func (s LinearSchedule) At(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(max(1, s.Warmup))
	}
	remaining := float64(s.Total - step)
	span := float64(max(1, s.Total-s.Warmup))
	return s.Base * max(0, remaining/span)
}
