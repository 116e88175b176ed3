package bar

import "testing"

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		in   string
		want Timeframe
	}{
		{"1", Timeframe{'m', 1}},
		{"5", Timeframe{'m', 5}},
		{"1h", Timeframe{'h', 1}},
		{"1d", Timeframe{'d', 1}},
	}
	for _, c := range cases {
		got, err := ParseTimeframe(c.in)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseTimeframe(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseTimeframeInvalid(t *testing.T) {
	for _, in := range []string{"", "m", "0", "-1", "x1"} {
		if _, err := ParseTimeframe(in); err == nil {
			t.Fatalf("ParseTimeframe(%q) expected error, got nil", in)
		}
	}
}

func TestTimeframeAlignMillis(t *testing.T) {
	tf := Timeframe{'m', 5}
	const fiveMin = int64(5 * 60 * 1000)
	if got := tf.AlignMillis(fiveMin + 1234); got != fiveMin {
		t.Fatalf("AlignMillis = %d, want %d", got, fiveMin)
	}
	if got := tf.AlignMillis(0); got != 0 {
		t.Fatalf("AlignMillis(0) = %d, want 0", got)
	}
}

func TestTimeframeKey(t *testing.T) {
	cases := []struct {
		tf   Timeframe
		want string
	}{
		{Timeframe{'m', 1}, "1"},
		{Timeframe{'m', 5}, "5"},
		{Timeframe{'h', 1}, "60"},
		{Timeframe{'d', 1}, "1d"},
	}
	for _, c := range cases {
		if got := c.tf.Key(); got != c.want {
			t.Fatalf("%+v.Key() = %q, want %q", c.tf, got, c.want)
		}
	}
}

func TestBarRoundtripSeconds(t *testing.T) {
	b := Bar{TS: 1_700_000_000_123, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	s := b.ToSeconds()
	if s.TS != 1_700_000_000 {
		t.Fatalf("ToSeconds TS = %d, want %d", s.TS, 1_700_000_000)
	}
	m := s.ToMillis()
	if m.TS != 1_700_000_000_000 {
		t.Fatalf("ToMillis TS = %d, want %d", m.TS, 1_700_000_000_000)
	}
}

func TestBarIsFill(t *testing.T) {
	fill := Bar{Volume: FillVolume}
	if !fill.IsFill() {
		t.Fatalf("expected IsFill() true for sentinel volume")
	}
	real := Bar{Volume: 1.23}
	if real.IsFill() {
		t.Fatalf("expected IsFill() false for real volume")
	}
}

func TestBarNarrow(t *testing.T) {
	b := Bar{Open: 0.1, High: 0.2, Low: 0.05, Close: 0.15, Volume: 123.456}
	n := b.Narrow()
	if float64(float32(0.1)) != n.Open {
		t.Fatalf("Narrow Open = %v, want %v", n.Open, float64(float32(0.1)))
	}
}
