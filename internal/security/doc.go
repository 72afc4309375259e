// Package security provides the kiosk's transport trust and secrets-at-rest:
//
//   - Scoped TLS trust for the configured server host (trust-host, pinned
//     or strict), never relaxed for any other host
//   - A per-device sealing key (HKDF-SHA-512 from a seed file) used to
//     encrypt the device token with XChaCha20-Poly1305
//
// # Quantum-readiness
//
// Transport layer: Go 1.23+ TLS 1.3 automatically negotiates the
// X25519+ML-KEM-768 hybrid post-quantum key exchange when both peers
// support it. Sealed values carry a version prefix (v1:) so the cipher
// can be replaced without losing existing data.
package security
