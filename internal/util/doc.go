// Package util provides small helpers shared by the token lifecycle packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates identifiers before they are logged
package util
