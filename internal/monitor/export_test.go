package monitor

// StopSignalFd exposes the read end of the stop pipe.
func (o *Observer) StopSignalFd() int {
	return o.stopR
}
