package netstat

import "testing"

func TestCounter_Sent_delta(t *testing.T) {
	values := []uint64{1000, 1500}
	c := &Counter{iface: "eth-test", read: func(string) (uint64, error) {
		v := values[0]
		values = values[1:]
		return v, nil
	}}
	c.start, _ = c.read(c.iface)

	if got := c.Sent(); got != 500 {
		t.Errorf("expected 500, got %d", got)
	}
}

func TestCounter_Sent_counter_reset(t *testing.T) {
	c := &Counter{iface: "eth-test", start: 100, read: func(string) (uint64, error) { return 10, nil }}
	if got := c.Sent(); got != 0 {
		t.Errorf("expected 0 after wrap, got %d", got)
	}
}

func TestTxBytes_unknown_interface(t *testing.T) {
	n, err := TxBytes("definitely-not-an-interface0")
	if err != nil {
		t.Skipf("network stats unavailable: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 for unknown interface, got %d", n)
	}
}
