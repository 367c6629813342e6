package proxy

// allocatePort returns the lowest port in [start, end] not bound in state.
func allocatePort(state State, start, end int) (int, error) {
	for candidate := start; candidate <= end; candidate++ {
		if _, used := state.PortToSlug[candidate]; used {
			continue
		}
		return candidate, nil
	}
	return 0, ErrNoFreePort
}
