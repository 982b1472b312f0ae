package analysis

// Fingerprint geometry; 16x16 yields a 256-bit perceptual hash.
const (
	HashWidth  = 16
	HashHeight = 16
)

// DefaultCacheSize is used when a non-positive size is configured.
const DefaultCacheSize = 256
