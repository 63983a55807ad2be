package browser

// Ordered candidates for each element the acquirer interacts with. Earlier
// entries are more specific. XPath is used where the visible text is the only
// stable handle.
var (
	emailSelectors = []string{
		`input[name="email"]`,
		`input[type="email"]`,
		`input[placeholder*="mail" i]`,
		`[data-test-id="email"] input`,
		`input[autocomplete="email"]`,
	}

	passwordSelectors = []string{
		`input[name="password"]`,
		`input[type="password"]`,
		`input[placeholder*="password" i]`,
		`[data-test-id="password"] input`,
	}

	submitSelectors = []string{
		`[data-test-id="form-submit-button"]`,
		`button[type="submit"]`,
		`//button[contains(normalize-space(.), "Sign in")]`,
		`//button[contains(normalize-space(.), "Login")]`,
		`//button[contains(normalize-space(.), "Log in")]`,
	}

	loginErrorSelectors = []string{
		`.el-notification--error`,
		`.el-message--error`,
		`.el-form-item__error`,
		`[role="alert"]`,
	}

	settingsMenuSelectors = []string{
		`[data-test-id="main-sidebar-settings"]`,
		`a[href="/settings"]`,
		`//*[@role="menuitem"][contains(normalize-space(.), "Settings")]`,
		`//span[normalize-space(.)="Settings"]`,
	}

	apiMenuSelectors = []string{
		`[data-test-id="menu-item-api"]`,
		`a[href^="/settings/api"]`,
		`//*[@role="menuitem"][contains(normalize-space(.), "n8n API")]`,
		`//*[@role="menuitem"][contains(normalize-space(.), "API")]`,
	}

	createSelectors = []string{
		`[data-test-id="api-keys-create-key-button"]`,
		`//button[contains(normalize-space(.), "Create an API key")]`,
		`//button[contains(normalize-space(.), "Create API key")]`,
		`//button[contains(normalize-space(.), "Create API Key")]`,
		`//button[contains(normalize-space(.), "Create")]`,
	}

	labelSelectors = []string{
		`[data-test-id="api-key-label"] input`,
		`input[name="label"]`,
		`input[placeholder*="label" i]`,
		`.el-dialog input[type="text"]`,
		`[role="dialog"] input[type="text"]`,
	}

	expirySelectors = []string{
		`[data-test-id="expiration-select"]`,
		`.el-dialog .el-select`,
	}

	// longest first
	expiryOptionSelectors = []string{
		`//li[contains(normalize-space(.), "No Expiration")]`,
		`//li[contains(normalize-space(.), "No expiration")]`,
		`//li[contains(normalize-space(.), "1 year")]`,
		`//li[contains(normalize-space(.), "year")]`,
	}

	saveSelectors = []string{
		`[data-test-id="api-key-save-button"]`,
		`//div[@role="dialog"]//button[contains(normalize-space(.), "Save")]`,
		`//button[contains(normalize-space(.), "Save")]`,
		`//div[@role="dialog"]//button[contains(normalize-space(.), "Create")]`,
		`.el-dialog button[type="submit"]`,
	}

	secretSelectors = []string{
		`[data-test-id="copy-input"] input`,
		`input[readonly]`,
		`[data-test-id="api-key-value"]`,
		`[class*="copy-input"]`,
		`code`,
		`pre`,
		`[class*="api-key"] [class*="value"]`,
	}
)
