package password

// Params controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation boundaries.
type Policy struct {
	MinLength int
	MaxLength int
	// If true, enable a minimal weak-pattern rejection on top of the length
	// checks.
	RejectVeryWeak bool
}

// DefaultParams returns a strong baseline for interactive logins.
func DefaultParams() Params {
	return Params{
		MemoryKiB:   64 * 1024, // 64 MiB
		Iterations:  3,
		Parallelism: 4,
		SaltLength:  32,
		KeyLength:   32,
	}
}

// DefaultPolicy returns the baseline password policy.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:      8,
		MaxLength:      256,
		RejectVeryWeak: false,
	}
}

func (p Params) normalized() Params {
	if p.MemoryKiB < 8*1024 {
		p.MemoryKiB = 8 * 1024
	}
	if p.Iterations == 0 {
		p.Iterations = 1
	}
	if p.Parallelism == 0 {
		p.Parallelism = 1
	}
	if p.SaltLength < 16 {
		p.SaltLength = 16
	}
	if p.KeyLength < 16 {
		p.KeyLength = 16
	}
	return p
}
