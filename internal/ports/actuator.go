package ports

// Actuator applies a quantized drive level. The relation between level and
// resulting current is assumed monotonic and is never verified in software.
type Actuator interface {
	Drive(level int) error
}
