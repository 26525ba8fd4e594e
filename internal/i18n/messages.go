package i18n

import "strings"

const DefaultLanguage = "en"

var messages = map[string]map[string]string{
	"cn": {
		"proxy_auth_required":  "需要代理认证",
		"proxy_auth_usage":     "使用格式: http://{}N:{}@host:port",
		"invalid_password":     "密码错误",
		"proxy_not_found":      "未找到代理",
		"invalid_request_url":  "无效的请求地址",
		"proxy_error":          "代理错误",
		"upstream_expired":     "上游代理已过期: {}",
		"no_upstream":          "没有可用的上游代理",
		"access_denied":        "拒绝访问",
		"invalid_token":        "无效的访问令牌",
		"logs_cleared":         "日志已清除",
		"unsupported_language": "不支持的语言",
		"language_switched":    "语言已切换",
		"dashboard_title":      "代理网关",
		"dashboard_port":       "端口",
		"dashboard_username":   "用户名",
		"dashboard_upstream":   "上游代理",
		"dashboard_isp":        "运营商",
		"dashboard_secs_left":  "剩余秒数",
		"dashboard_empty":      "暂无可用代理",
	},
	"en": {
		"proxy_auth_required":  "Proxy Authentication Required",
		"proxy_auth_usage":     "Use format: http://{}N:{}@host:port",
		"invalid_password":     "Invalid password",
		"proxy_not_found":      "Proxy not found",
		"invalid_request_url":  "Invalid request URL",
		"proxy_error":          "Proxy Error",
		"upstream_expired":     "Upstream proxy expired: {}",
		"no_upstream":          "No upstream proxy available",
		"access_denied":        "Access denied",
		"invalid_token":        "Invalid access token",
		"logs_cleared":         "Logs cleared",
		"unsupported_language": "Unsupported language",
		"language_switched":    "Language switched",
		"dashboard_title":      "Proxy Gateway",
		"dashboard_port":       "Port",
		"dashboard_username":   "Username",
		"dashboard_upstream":   "Upstream",
		"dashboard_isp":        "ISP",
		"dashboard_secs_left":  "Seconds left",
		"dashboard_empty":      "No proxies available",
	},
}

// Supported reports whether lang has a catalogue.
func Supported(lang string) bool {
	_, ok := messages[lang]
	return ok
}

// Get looks key up in lang, falling back to English and then to the key
// itself. Each arg replaces the next "{}" placeholder.
func Get(key, lang string, args ...string) string {
	langDict, ok := messages[lang]
	if !ok {
		langDict = messages[DefaultLanguage]
	}

	msg, ok := langDict[key]
	if !ok {
		if fallback, fallbackOK := messages[DefaultLanguage][key]; fallbackOK {
			msg = fallback
		} else {
			msg = key
		}
	}

	for _, arg := range args {
		msg = strings.Replace(msg, "{}", arg, 1)
	}
	return msg
}
