package bot

// Introduction is the reply to /start
const Introduction = "Hello! I am TowerBot, the assistant for Frontier Tower citizens.\n\n" +
	"I handle background tasks and help you find answers and people in the community. " +
	"Use /ask for questions, /connect to find residents who can help, " +
	"and /request to tell the building team what is needed."

// commandExamples are shown when a command arrives without a body
var commandExamples = map[string]string{
	"ask":     "what's the wifi password?",
	"connect": "who can help me learn more about biotech?",
	"request": "we need more toilet paper on the 9th floor",
}

const (
	defaultExample = "what's the wifi password?"

	msgLoginPrompt = "🔐 <b>Link your account</b>\n\n" +
		"Tap the button below to sign in with your community account. " +
		"You need a linked account to use the bot.\n\n" +
		"<i>⏰ This link expires in %d minutes.</i>"
	msgLoginButton      = "🔗 Sign in"
	msgLinkingDisabled  = "Account linking is not configured on this bot. Please contact the administrator."
	msgLinkStartFailed  = "❌ Sorry, I could not create a sign-in link. Please try again later."
	msgAgentFailed      = "Sorry, I ran into an error. Please try again later."
	msgAgentUnavailable = "Sorry, I can't answer questions right now."
	msgRateLimited      = "You're sending messages too quickly. Please wait %d seconds."
	msgNeedContext      = "Please add some context. <b>Example:</b> /%s %s"
)

// LinkedConfirmation is sent to the user after a successful link
const LinkedConfirmation = "✅ Your account is linked. You can now use the bot."

func commandExample(cmd string) string {
	if ex, ok := commandExamples[cmd]; ok {
		return ex
	}
	return defaultExample
}
