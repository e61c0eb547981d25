package i18n

import (
	"embed"
	"encoding/json"
	"path"

	"WalkGuard/pkg/logger"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// I18nSupport translates message ids for the languages under locales/
type I18nSupport struct {
	bundle  *i18n.Bundle
	matcher language.Matcher
	tags    []language.Tag
}

func NewI18nSupport(defaultLang string) (*I18nSupport, error) {
	def, err := language.Parse(defaultLang)
	if err != nil {
		def = language.English
	}
	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	tags := []language.Tag{def}
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := path.Join("locales", entry.Name())
		buf, err := localeFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		mf, err := bundle.ParseMessageFileBytes(buf, name)
		if err != nil {
			return nil, err
		}
		if mf.Tag != def {
			tags = append(tags, mf.Tag)
		}
	}

	return &I18nSupport{
		bundle:  bundle,
		matcher: language.NewMatcher(tags),
		tags:    tags,
	}, nil
}

// Match picks the supported language for an explicit choice or an
// Accept-Language header; explicit wins
func (i *I18nSupport) Match(explicit, acceptLanguage string) string {
	var wanted []language.Tag
	if explicit != "" {
		if t, err := language.Parse(explicit); err == nil {
			wanted = append(wanted, t)
		}
	}
	if acceptLanguage != "" {
		if parsed, _, err := language.ParseAcceptLanguage(acceptLanguage); err == nil {
			wanted = append(wanted, parsed...)
		}
	}
	_, idx, _ := i.matcher.Match(wanted...)
	base, _ := i.tags[idx].Base()
	return base.String()
}

// T returns the translation, or key when it has none
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	localizer := i18n.NewLocalizer(i.bundle, languageTag)

	translation, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		logger.Debug("missing translation", zap.String("key", key), zap.String("lang", languageTag), zap.Error(err))
		return key
	}
	return translation
}

func (i *I18nSupport) TWithDefaultLang(key string, templateData map[string]interface{}) string {
	return i.T("", key, templateData)
}
