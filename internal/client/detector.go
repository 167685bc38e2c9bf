package client

// DeviceHints describes the device and active network as reported by the
// embedding application (coarse signals only; exact radio state is not
// observable from here).
type DeviceHints struct {
	// Mobile is true for handheld devices regardless of network.
	Mobile bool
	// NetworkType is the active connection class: "cellular", "wifi",
	// "ethernet" or "" when unknown.
	NetworkType string
}

// HintsFunc supplies current device hints. Injected by the application so
// the detector holds no ambient global state.
type HintsFunc func() DeviceHints

// carrierDetector decides whether the socket transport is worth attempting.
// Known carrier-grade NATs kill upgrade handshakes outright, so on a
// cellular mobile device the first socket attempt only wastes the connect
// timeout. Once a fallback has been triggered the decision is sticky for
// the rest of the session.
type carrierDetector struct {
	hints             HintsFunc
	fallbackTriggered bool
}

func newCarrierDetector(hints HintsFunc) *carrierDetector {
	if hints == nil {
		hints = func() DeviceHints { return DeviceHints{} }
	}
	return &carrierDetector{hints: hints}
}

// skipSocket reports whether to go straight to the polling transport.
func (d *carrierDetector) skipSocket() bool {
	if d.fallbackTriggered {
		return true
	}
	h := d.hints()
	return h.Mobile && h.NetworkType == "cellular"
}

// triggerFallback makes the polling decision sticky for this session.
func (d *carrierDetector) triggerFallback() {
	d.fallbackTriggered = true
}

func (d *carrierDetector) mobile() bool {
	return d.hints().Mobile
}

func (d *carrierDetector) networkType() string {
	return d.hints().NetworkType
}
