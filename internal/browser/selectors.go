package browser

// Detection strategies per role, highest priority first.
var roleSelectors = map[Role][]string{
	RoleConversationList: {
		"[data-testid='chat-list']",
		"#side",
		"[data-testid='conversation-panel-wrapper']",
	},
	RoleChallenge: {
		"canvas[aria-label*='Scan']",
		"canvas[aria-label*='scan']",
		"canvas[aria-label*='QR']",
		"[data-ref]",
		"[data-testid='qrcode']",
		".qr-wrapper canvas",
		"[role='img'] canvas",
		"canvas",
	},
	RoleChallengeRefresh: {
		"[data-testid='refresh-large']",
		"[aria-label*='Refresh']",
		"button[aria-label*='QR']",
	},
	RoleComposeBox: {
		"[data-testid='conversation-compose-box-input']",
		"footer div[contenteditable='true'][role='textbox']",
		"footer div[contenteditable='true']",
	},
}

var scripts = map[Script]string{
	ScriptStripAutomation: `() => {
		Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
		delete navigator.__webdriver_script_fn;
		return true;
	}`,

	ScriptReadyState: `() => document.readyState`,

	ScriptScrollConversations: `() => {
		const list = document.querySelector('[data-testid="chat-list"]') || document.querySelector('#pane-side');
		if (!list) return false;
		list.scrollTop = list.scrollHeight;
		return true;
	}`,

	ScriptListConversations: `() => {
		const names = new Set();
		const items = document.querySelectorAll('[data-testid="chat-list"] [role="listitem"], #pane-side [role="listitem"]');
		items.forEach(item => {
			const el = item.querySelector('span[title]');
			if (!el) return;
			const name = (el.getAttribute('title') || '').trim();
			if (name) names.add(name);
		});
		return Array.from(names);
	}`,

	ScriptOpenConversation: `(target) => {
		const items = document.querySelectorAll('[data-testid="chat-list"] [role="listitem"], #pane-side [role="listitem"]');
		for (const item of items) {
			const el = item.querySelector('span[title]');
			if (!el) continue;
			if ((el.getAttribute('title') || '').trim() === target) {
				const clickable = item.querySelector('[role="gridcell"], [tabindex]') || item;
				clickable.dispatchEvent(new MouseEvent('mousedown', {bubbles: true}));
				clickable.click();
				return true;
			}
		}
		return false;
	}`,
}
