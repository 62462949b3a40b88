package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly restricts sensitive endpoints to loopback plus a configured
// whitelist of IPs or CIDR ranges. Loopback is always allowed so a local
// operator is never locked out by a bad whitelist.
type LocalhostOnly struct {
	logger     *logrus.Logger
	allowedIPs []string
}

// NewLocalhostOnly 创建 IP 访问限制中间件
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	return &LocalhostOnly{
		logger:     logger,
		allowedIPs: allowedIPs,
	}
}

// Restrict rejects requests from addresses outside the whitelist.
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP may come from X-Forwarded-For under gin's default proxy
		// trust, so the direct RemoteAddr is kept as a second opinion.
		clientIP := c.ClientIP()
		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)

		if !l.isAllowedIP(clientIP) {
			// A denied forwarded IP with a loopback direct connection means
			// a local client behind a misconfigured proxy header. Let it in.
			if remoteIP != clientIP && isLocalhost(remoteIP) {
				l.logger.WithFields(logrus.Fields{
					"client_ip": clientIP,
					"remote_ip": remoteIP,
					"path":      c.Request.URL.Path,
				}).Warn("ClientIP denied but RemoteIP is localhost - allowing direct local connection")
			} else {
				l.logger.WithFields(logrus.Fields{
					"client_ip":  clientIP,
					"remote_ip":  remoteIP,
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"user_agent": c.GetHeader("User-Agent"),
				}).Warn("Reject non-whitelisted access to sensitive API")

				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"success": false,
					"error":   "This API is only accessible from allowed IP addresses",
					"code":    "IP_NOT_ALLOWED",
				})
				return
			}
		}

		c.Next()
	}
}

// isLocalhost Check if IP is localhost
func isLocalhost(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ip == "localhost"
	}
	return parsedIP.IsLoopback()
}

// isAllowedIP Check if IP is in the whitelist (supports CIDR)
func (l *LocalhostOnly) isAllowedIP(ip string) bool {
	if isLocalhost(ip) {
		return true
	}

	// No whitelist configured: localhost-only mode
	if len(l.allowedIPs) == 0 {
		return false
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		for _, allowed := range l.allowedIPs {
			if ip == strings.TrimSpace(allowed) {
				return true
			}
		}
		return false
	}

	for _, allowed := range l.allowedIPs {
		allowed = strings.TrimSpace(allowed)

		if strings.Contains(allowed, "/") {
			_, ipNet, err := net.ParseCIDR(allowed)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"allowed": allowed,
					"error":   err.Error(),
				}).Warn("Invalid CIDR in allowedIPs")
				continue
			}
			if ipNet.Contains(parsedIP) {
				l.logger.WithFields(logrus.Fields{
					"ip":   ip,
					"cidr": allowed,
				}).Info("✅ IP matched by CIDR - allowing access")
				return true
			}
		} else {
			allowedIP := net.ParseIP(allowed)
			if allowedIP != nil && allowedIP.Equal(parsedIP) {
				l.logger.WithFields(logrus.Fields{
					"ip":      ip,
					"allowed": allowed,
				}).Info("✅ IP matched exactly - allowing access")
				return true
			}
		}
	}

	l.logger.WithFields(logrus.Fields{
		"ip":         ip,
		"allowedIPs": l.allowedIPs,
	}).Warn("❌ IP not found in whitelist - rejecting access")
	return false
}
