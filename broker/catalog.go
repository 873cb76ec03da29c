package broker

// SignalMeta describes one catalog entry.
type SignalMeta struct {
	Type     string // "float" | "double" | "int32" | "bool" | "string"
	Writable bool
}

// Catalog is the set of signal paths known to this deployment, keyed by the
// hierarchical VSS path.
type Catalog map[string]SignalMeta

// Has reports whether path is a known signal.
func (c Catalog) Has(path string) bool {
	_, ok := c[path]
	return ok
}

// DefaultCatalog returns the built-in VSS subset used when the broker does
// not serve its own metadata.  Deployments extend it via Merge.
func DefaultCatalog() Catalog {
	return Catalog{
		"Vehicle.Speed":                                  {Type: "float"},
		"Vehicle.AverageSpeed":                           {Type: "float"},
		"Vehicle.TraveledDistance":                       {Type: "float"},
		"Vehicle.CurrentLocation.Latitude":               {Type: "double"},
		"Vehicle.CurrentLocation.Longitude":              {Type: "double"},
		"Vehicle.Chassis.SteeringWheel.Angle":            {Type: "int32"},
		"Vehicle.Chassis.Accelerator.PedalPosition":      {Type: "int32"},
		"Vehicle.Chassis.Brake.PedalPosition":            {Type: "int32"},
		"Vehicle.Powertrain.CombustionEngine.Speed":      {Type: "int32"},
		"Vehicle.Powertrain.TractionBattery.StateOfCharge.Current": {Type: "float"},
		"Vehicle.Powertrain.Transmission.CurrentGear":    {Type: "int32"},
		"Vehicle.Body.Lights.Beam.Low.IsOn":              {Type: "bool", Writable: true},
		"Vehicle.Body.Lights.Beam.High.IsOn":             {Type: "bool", Writable: true},
		"Vehicle.Body.Lights.Hazard.IsSignaling":         {Type: "bool", Writable: true},
		"Vehicle.Cabin.Sunroof.Position":                 {Type: "int32", Writable: true},
		"Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature": {Type: "int32", Writable: true},
		"Vehicle.Cabin.HVAC.Station.Row1.Driver.FanSpeed":    {Type: "int32", Writable: true},
		"Vehicle.Cabin.Door.Row1.DriverSide.IsOpen":      {Type: "bool"},
		"Vehicle.Cabin.Seat.Row1.DriverSide.Position":    {Type: "int32", Writable: true},
		"Vehicle.Exterior.AirTemperature":                {Type: "float"},
	}
}

// Merge overlays other onto c, overwriting duplicates.
func (c Catalog) Merge(other Catalog) {
	for path, meta := range other {
		c[path] = meta
	}
}
