package pool

// UnknownMsg is a message kind no worker understands; tests use it to
// prove unknown kinds are ignored.
type UnknownMsg struct{}

func (UnknownMsg) isMessage() {}

// InjectMessage pushes a raw message onto the shared task channel.
func (p *Pool) InjectMessage(msg Message) {
	p.tasks <- msg
}

// RestartBackoff exposes the panic restart delay curve.
var RestartBackoff = restartBackoff
