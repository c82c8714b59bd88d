package btthermo

// WithCentral sets the Bluetooth central used for scanning and connections
func WithCentral(central Central) func(*Collector) {
	return func(c *Collector) {
		c.central = central
	}
}

// WithLogger sets a logger
func WithLogger(logger Logger) func(*Collector) {
	return func(c *Collector) {
		c.logger = logger
	}
}
