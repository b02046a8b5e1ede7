package handler

import "github.com/gin-gonic/gin"

// userKey is where the auth middleware stores the caller's id.
const userKey = "user_id"

// UserID returns the authenticated caller's id set by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}

// SetUserID stores the caller's id on the request context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userKey, userID)
}
