// Package service implements request/reply calls to aircraft cloud
// services over MQTT.
//
// A Caller publishes each request on thing/product/{sn}/services with a
// fresh transaction ID and parks the caller until the matching reply
// arrives on services_reply. Replies are correlated by tid through a
// pending table; each transaction settles exactly once — reply, timeout,
// or context cancellation, whichever wins. A reply with a non-zero
// result code settles the call with a *BusinessError carrying the code
// and any output.
//
// Which services exist, their required parameters, default values, and
// per-method topics and deadlines come from a YAML Catalog. Template
// defaults are merged under the caller's params when the request data
// is built; caller-supplied keys win. commands.go layers typed helpers
// over Call for the DJI services the station uses (DRC mode, control
// authority, live streaming).
package service
