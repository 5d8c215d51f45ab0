package collab

type Metrics interface {
	CommandHandled(cmd string, success bool)
	LockContended()
	ActiveSessions(n int)
	ActiveUsers(n int)
}

type nopMetrics struct{}

func (nopMetrics) CommandHandled(string, bool) {}
func (nopMetrics) LockContended()              {}
func (nopMetrics) ActiveSessions(int)          {}
func (nopMetrics) ActiveUsers(int)             {}

func NopMetrics() Metrics { return nopMetrics{} }
