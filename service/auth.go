package service

import "net/http"

// AuthConfig 认证配置
type AuthConfig struct {
	Type     string `yaml:"type" koanf:"type" validate:"omitempty,oneof=basic bearer api_key"` // "basic", "bearer", "api_key"
	Username string `yaml:"username" koanf:"username"`
	Password string `yaml:"password" koanf:"password"`
	Token    string `yaml:"token" koanf:"token"`
	APIKey   string `yaml:"api_key" koanf:"api_key"`
}

// apply 为请求添加认证信息
func (a *AuthConfig) apply(req *http.Request) {
	if a == nil {
		return
	}
	switch a.Type {
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "api_key":
		req.Header.Set("X-API-Key", a.APIKey)
	}
}
