// Package bybit describes Bybit v5 to the runtime: header-signed REST calls,
// the private stream login frame, {"op": ...} control frames and decoders for
// the order, execution and wallet topics.
//
// Bybit API Documentation: https://bybit-exchange.github.io/docs/v5/intro
package bybit
