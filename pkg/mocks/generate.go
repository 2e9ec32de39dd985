// Package mocks provides gomock implementations of the engine's ports.
//
// To regenerate after interface changes, run:
//
//	go generate ./pkg/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockStore(ctrl)
//	store.EXPECT().CreateBatch(gomock.Any(), gomock.Any()).Return(nil)
package mocks

// Generate mock for the batch.Store persistence port:
// CreateBatch, StartBatch, UpdateItem, CompleteBatch, DeleteBatch
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=store_mock.go batch-pipeline/pkg/batch Store

// Generate mock for the mq.Publisher broker port used by the outbox relay
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=publisher_mock.go batch-pipeline/pkg/mq Publisher
