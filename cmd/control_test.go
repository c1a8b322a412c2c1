package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/custody/internal/command"
)

// MockClient implements ClientInterface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Status(ctx context.Context) (*command.Response, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func (m *MockClient) Stats(ctx context.Context) (*command.Response, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*command.Response)
	return resp, args.Error(1)
}

func (m *MockClient) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestRunReload_TableDriven(t *testing.T) {
	tests := []struct {
		name           string
		mockError      error
		expectedError  bool
		expectedOutput string
	}{
		{
			name:           "reloaded",
			expectedOutput: "✓ Configuration reloaded successfully",
		},
		{
			name:          "network error",
			mockError:     errors.New("network timeout"),
			expectedError: true,
		},
		{
			name:          "daemon not running",
			mockError:     errors.New("daemon not running"),
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("Reload", mock.Anything).Return(tt.mockError)

			var buf bytes.Buffer
			err := runReload(context.Background(), mockClient, &buf)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "failed to reload")
				assert.Contains(t, err.Error(), tt.mockError.Error())
				assert.Empty(t, buf.String())
			} else {
				assert.NoError(t, err)
				assert.Contains(t, buf.String(), tt.expectedOutput)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestRunStatus(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return(&command.Response{
		ID:     "req-1",
		Result: map[string]interface{}{"role": "relay", "uptime_sec": 12},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), `"role": "relay"`)
	assert.Contains(t, buf.String(), `"uptime_sec": 12`)
	mockClient.AssertExpectations(t)
}

func TestRunStats_Errors(t *testing.T) {
	t.Run("rpc error", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Stats", mock.Anything).Return(&command.Response{
			Error: &command.ErrorInfo{Code: command.ErrCodeInternalError, Message: "stats not available"},
		}, nil)

		err := runStats(context.Background(), mockClient, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon_stats failed: stats not available")
	})

	t.Run("unreachable", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Stats", mock.Anything).Return(nil, errors.New("connection refused"))

		err := runStats(context.Background(), mockClient, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestRunStop(t *testing.T) {
	t.Run("via socket", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(nil)

		var buf bytes.Buffer
		fallback := func() error {
			t.Error("fallback must not run")
			return nil
		}
		require.NoError(t, runStop(context.Background(), mockClient, fallback, &buf))
		assert.Contains(t, buf.String(), "✓ Shutdown requested")
	})

	t.Run("pid fallback", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(errors.New("connection refused"))

		var buf bytes.Buffer
		called := false
		require.NoError(t, runStop(context.Background(), mockClient, func() error {
			called = true
			return nil
		}, &buf))
		assert.True(t, called)
		assert.Contains(t, buf.String(), "✓ Daemon stopped by signal")
	})

	t.Run("both fail", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(errors.New("connection refused"))

		err := runStop(context.Background(), mockClient, func() error {
			return errors.New("daemon not running")
		}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Contains(t, err.Error(), "daemon not running")
	})
}

func TestReloadCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(nil)
	mockClient.On("Close").Return(nil)

	originalCli := GetClient()
	SetClient(mockClient)
	defer SetClient(originalCli)

	root := &cobra.Command{Use: "custody"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestConnect_RequiresSocket(t *testing.T) {
	originalCli, originalConfig, originalSocket := GetClient(), configFile, socketPath
	defer func() {
		SetClient(originalCli)
		configFile, socketPath = originalConfig, originalSocket
	}()

	SetClient(nil)
	configFile = "/nonexistent/config.yml"
	socketPath = ""
	assert.Error(t, connect(nil, nil))

	socketPath = "/tmp/custody-test.sock"
	require.NoError(t, connect(nil, nil))
	assert.IsType(t, &command.UDSClient{}, GetClient())
}
