package multicast

// NopTransport accepts every file and sends nothing. It stands in for the
// UDP transport when multicast is disabled so schedules and metrics still run.
type NopTransport struct{}

func (NopTransport) Start() error { return nil }

func (NopTransport) Send(f File) *Delivery {
	d := newDelivery(f)
	d.complete(nil)
	return d
}

func (NopTransport) SetRateLimit(int) {}

func (NopTransport) Clear() int { return 0 }

func (NopTransport) Stop() error { return nil }
