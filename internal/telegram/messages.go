package telegram

import "fmt"

const (
	defaultCallName     = "New call"
	authorizeButtonText = "Authorize"
	authorizeStartParam = "auth"
	joinButtonText      = "Join the call"
	createCallTitle     = "Create a call"
	errorTitle          = "An error occurred"
	signedOutMessage    = "You are signed out. Send /start to authorize again."
)

func authorizationLinkMessage(link string) string {
	return "To authorize, please open the following link: " + link
}

func authorizedMessage(name string) string {
	return fmt.Sprintf("You are signed in as %s\n\n"+
		"To create a call, type @vkcallsBot, a space and the call name in any chat.\n\n"+
		"For example:\n\n@vkcallsBot Discuss important things", name)
}

func callMessage(name string, joinLink string) string {
	return fmt.Sprintf("Call %q:\n%s", name, joinLink)
}

func errorMessage(detail string) string {
	return errorTitle + ": " + detail
}
