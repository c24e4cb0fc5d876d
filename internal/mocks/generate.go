// Package mocks provides mock implementations for testing the voice message pipeline.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	store := mocks.NewMockMessageStore(ctrl)
//	store.EXPECT().Fetch(gomock.Any(), "id").Return(rec, nil)
package mocks

// Generate mock for MessageStore interface from internal/core package.
// This creates MockMessageStore with methods: Create, Fetch, Save, List
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=message_store_mock.go github.com/target/voice-message-api/internal/core MessageStore

// Generate mock for SubmissionRepository (MessageStore plus outbox access).
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=submission_repository_mock.go github.com/target/voice-message-api/internal/core SubmissionRepository

// Generate mock for SpeechSynthesizer interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=speech_synthesizer_mock.go github.com/target/voice-message-api/internal/core SpeechSynthesizer

// Generate mock for ObjectStore interface from internal/core package.
// This creates MockObjectStore with methods: Upload, Download, Presign
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=object_store_mock.go github.com/target/voice-message-api/internal/core ObjectStore

// Generate mock for EventPublisher interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=event_publisher_mock.go github.com/target/voice-message-api/internal/core EventPublisher
