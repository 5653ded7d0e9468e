package bus

// OperableStatus is the enabled/operable flag pair shared by every project
// entity. Enabled is the configured intent, operable the runtime health.
type OperableStatus struct {
	enabled  bool
	operable bool
}

func (s *OperableStatus) IsEnabled() bool {
	return s.enabled
}

func (s *OperableStatus) IsOperable() bool {
	return s.operable
}

func (s *OperableStatus) setStatus(enabled, operable bool) {
	s.enabled = enabled
	s.operable = operable
}

// StateText describes the status the way the property lists show it.
func (s *OperableStatus) StateText(started bool) string {
	switch {
	case !started:
		return "Stopped"
	case s.operable:
		return "Running"
	default:
		return "Failing"
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
