package google

import (
	calendar "google.golang.org/api/calendar/v3"
	drive "google.golang.org/api/drive/v3"
	forms "google.golang.org/api/forms/v1"
	gmail "google.golang.org/api/gmail/v1"
)

// DefaultScopes are the Google OAuth scopes requested at login. They cover
// the identity claims the gateway needs for session binding plus the
// workspace APIs the downstream tool surface exposes.
var DefaultScopes = []string{
	// OpenID Connect, required for the userinfo lookup
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",

	// Workspace APIs
	drive.DriveScope,
	forms.FormsBodyScope,
	forms.FormsResponsesReadonlyScope,
	gmail.GmailModifyScope,
	calendar.CalendarScope,
}
