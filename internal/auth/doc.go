// Package auth authenticates callers of the RT809F bridge.
//
// Two credentials are accepted:
//   - The pre-shared API key, required on every REST request and accepted
//     on the device WebSocket. It is compared in constant time.
//   - Device tokens: HS256 JWTs whose subject is a device ID. A token lets
//     an agent open the WebSocket for that one device without holding the
//     API key.
package auth
