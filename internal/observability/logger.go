package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithTransfer adds transfer_id context to logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("transfer_id", transferID).Logger(),
	}
}

// WithPeer adds peer role and remote address context to logger.
func (l *Logger) WithPeer(role, remoteAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("peer_role", role).
			Str("remote_addr", remoteAddr).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionCreated logs session creation.
func (l *Logger) SessionCreated(sessionID, clientID, technicianID string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Str("technician_id", technicianID).
		Msg("support session created")
}

// SessionEnded logs session termination or expiry.
func (l *Logger) SessionEnded(sessionID, status, reason string, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("status", status).
		Str("reason", reason).
		Float64("duration_seconds", duration.Seconds()).
		Msg("support session ended")
}

// PrivilegeGranted logs privilege approval.
func (l *Logger) PrivilegeGranted(sessionID, privilegeType, grantedBy string, expiresAt time.Time) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("privilege_type", privilegeType).
		Str("granted_by", grantedBy).
		Time("expires_at", expiresAt).
		Msg("privilege granted")
}

// TransferApproved logs transfer approval.
func (l *Logger) TransferApproved(transferID, sessionID, filename string, fileSize int64, totalChunks int64) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("session_id", sessionID).
		Str("filename", filename).
		Int64("file_size", fileSize).
		Int64("total_chunks", totalChunks).
		Msg("file transfer approved")
}

// TransferProgress logs transfer progress.
func (l *Logger) TransferProgress(transferID string, chunksDone, totalChunks int64, rate int64, elapsed time.Duration) {
	progress := float64(0)
	if totalChunks > 0 {
		progress = float64(chunksDone) / float64(totalChunks) * 100.0
	}

	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("chunks_done", chunksDone).
		Int64("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Int64("transfer_rate", rate).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferCompleted logs transfer completion.
func (l *Logger) TransferCompleted(transferID string, fileSize int64, totalChunks int64, duration time.Duration, checksumVerified bool) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("file_size", fileSize).
		Int64("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Bool("checksum_verified", checksumVerified).
		Msg("transfer completed successfully")
}

// ChunkRejected logs a chunk that failed integrity verification.
func (l *Logger) ChunkRejected(transferID string, chunkIndex int64, reason string, retryCount int) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Int64("chunk_index", chunkIndex).
		Str("reason", reason).
		Int("retry_count", retryCount).
		Msg("chunk rejected, retransmission requested")
}

// ConnectionEstablished logs peer connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr, role, sessionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("peer_role", role).
		Str("session_id", sessionID).
		Msg("peer connection established")
}

// ConnectionLost logs peer connection loss.
func (l *Logger) ConnectionLost(remoteAddr, role, sessionID string, err error) {
	l.logger.Warn().
		Str("remote_addr", remoteAddr).
		Str("peer_role", role).
		Str("session_id", sessionID).
		Err(err).
		Msg("peer connection lost")
}

// FileQuarantined logs a quarantined file.
func (l *Logger) FileQuarantined(filename, quarantinePath, verdict string) {
	l.logger.Warn().
		Str("filename", filename).
		Str("quarantine_path", quarantinePath).
		Str("verdict", verdict).
		Msg("file moved to quarantine")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
