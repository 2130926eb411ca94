package shared

import (
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"
)

// FTPConfig holds connection parameters for an FTP-distributed feed
type FTPConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Timeout          time.Duration
	MaxRetryAttempts int
	RetryDelay       time.Duration
}

// FTPClient wraps an FTP session with the same bounded-retry policy as the
// HTTP fetcher. A failed login is run-fatal: without a session the whole
// source is unreachable and the run must abort.
type FTPClient struct {
	config FTPConfig
	conn   *ftp.ServerConn
}

// NewFTPClient creates an unconnected FTP client
func NewFTPClient(config FTPConfig) *FTPClient {
	if config.Port == 0 {
		config.Port = 21
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetryAttempts < 0 {
		config.MaxRetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	return &FTPClient{config: config}
}

// Login dials the server and authenticates
func (c *FTPClient) Login() error {
	logger := logrus.WithFields(logrus.Fields{
		"component": "FTPClient",
		"host":      c.config.Host,
	})

	address := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	var lastError error
	for attemptNumber := 0; attemptNumber <= c.config.MaxRetryAttempts; attemptNumber++ {
		if attemptNumber > 0 {
			logger.WithField("attempt", attemptNumber+1).Debug("Retrying FTP login after delay")
			time.Sleep(c.config.RetryDelay)
		}

		conn, err := ftp.Dial(address, ftp.DialWithTimeout(c.config.Timeout))
		if err != nil {
			lastError = fmt.Errorf("ftp dial failed: %w", err)
			continue
		}

		if err := conn.Login(c.config.User, c.config.Password); err != nil {
			conn.Quit()
			lastError = fmt.Errorf("ftp login failed: %w", err)
			continue
		}

		c.conn = conn
		logger.Info("FTP session established")
		return nil
	}

	return NewScrapeError(
		ErrorCategoryRunFatal,
		"FTP_LOGIN_FAILED",
		fmt.Sprintf("could not establish FTP session to %s: %v", address, lastError),
		"",
		"Login",
		false,
		lastError,
	)
}

// ListDir returns the entry names under a remote path
func (c *FTPClient) ListDir(path string) ([]string, error) {
	if c.conn == nil {
		return nil, NewScrapeError(ErrorCategoryRunFatal, "FTP_NOT_CONNECTED", "ListDir called without a session", "", "ListDir", false, nil)
	}

	entries, err := c.conn.List(path)
	if err != nil {
		return nil, WrapError(err, ErrorCategoryTransport, "FTP_LIST_FAILED", "", "ListDir", true)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names, nil
}

// Download retrieves a remote file as bytes, with bounded retry
func (c *FTPClient) Download(remotePath string) ([]byte, error) {
	if c.conn == nil {
		return nil, NewScrapeError(ErrorCategoryRunFatal, "FTP_NOT_CONNECTED", "Download called without a session", "", "Download", false, nil)
	}

	logger := logrus.WithFields(logrus.Fields{
		"component":   "FTPClient",
		"remote_path": remotePath,
	})

	var lastError error
	for attemptNumber := 0; attemptNumber <= c.config.MaxRetryAttempts; attemptNumber++ {
		if attemptNumber > 0 {
			logger.WithField("attempt", attemptNumber+1).Debug("Retrying FTP download after delay")
			time.Sleep(c.config.RetryDelay)
		}

		response, err := c.conn.Retr(remotePath)
		if err != nil {
			lastError = fmt.Errorf("ftp retr failed: %w", err)
			continue
		}

		payload, readErr := io.ReadAll(response)
		response.Close()
		if readErr != nil {
			lastError = fmt.Errorf("ftp read failed: %w", readErr)
			continue
		}

		logger.WithField("bytes", len(payload)).Debug("FTP download successful")
		return payload, nil
	}

	return nil, NewScrapeError(
		ErrorCategoryTransport,
		"FTP_DOWNLOAD_FAILED",
		fmt.Sprintf("could not download %s: %v", remotePath, lastError),
		"",
		"Download",
		false,
		lastError,
	)
}

// Quit closes the FTP session
func (c *FTPClient) Quit() {
	if c.conn != nil {
		c.conn.Quit()
		c.conn = nil
		logrus.WithField("component", "FTPClient").Debug("FTP session closed")
	}
}
