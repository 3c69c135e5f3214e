// Package binance describes Binance spot to the runtime.
//
// It provides:
//   - Profile: endpoints, the published rate limit table and an error body classifier
//   - Authenticator: HMAC-SHA256 query signing with the key in X-MBX-APIKEY
//   - ListenKeyBootstrapper: creates, keeps alive and deletes the user data stream key
//   - Normalizer: decodes executionReport and balance frames into core events
//
// Example usage:
//
//	client, err := binance.New(cfg)
//	runner, err := binance.NewUserStream(client)
//	go runner.Run(ctx)
//	ev, err := runner.Queue().Pop(ctx)
package binance
