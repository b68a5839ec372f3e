package config

import (
	"errors"
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Track    TrackConfig    `mapstructure:"track"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
	RecoveryAlert string `mapstructure:"recovery_alert"`
}

// GatewaysConfig 支付网关配置
// 启动时解析为静态适配器注册表，禁止运行期按名字动态查找
type GatewaysConfig struct {
	Zibal    ZibalConfig    `mapstructure:"zibal"`
	Zarinpal ZarinpalConfig `mapstructure:"zarinpal"`
}

type ZibalConfig struct {
	Enable      bool   `mapstructure:"enable"`
	Merchant    string `mapstructure:"merchant"`
	CallbackURL string `mapstructure:"callback_url"`
}

type ZarinpalConfig struct {
	Enable      bool   `mapstructure:"enable"`
	Merchant    string `mapstructure:"merchant"`
	CallbackURL string `mapstructure:"callback_url"`
	Sandbox     bool   `mapstructure:"sandbox"`
}

// RecoveryConfig 恢复扫描参数，单位见字段名
type RecoveryConfig struct {
	FastIntervalMinutes  int  `mapstructure:"fast_interval_minutes"`  // 快速扫描周期
	DeepIntervalMinutes  int  `mapstructure:"deep_interval_minutes"`  // 深度扫描周期
	RefundAfterMinutes   int  `mapstructure:"refund_after_minutes"`   // 超过后允许强制退款
	CheckIntervalMinutes int  `mapstructure:"check_interval_minutes"` // 单订单最小查询间隔
	ExpireAfterMinutes   int  `mapstructure:"expire_after_minutes"`   // 超过后过期待支付订单
	MarkOldUnusedMinutes int  `mapstructure:"mark_old_unused_minutes"`
	LookbackHours        int  `mapstructure:"lookback_hours"`
	DeepLookbackHours    int  `mapstructure:"deep_lookback_hours"`
	MaxInquiryFails      int  `mapstructure:"max_inquiry_fails"`
	BatchLimit           int  `mapstructure:"batch_limit"`
	NotifyAdmin          bool `mapstructure:"notify_admin"`
}

type TrackConfig struct {
	ExpireHours  int `mapstructure:"expire_hours"`  // 未用 track 标记为已用的阈值
	CleanupHours int `mapstructure:"cleanup_hours"` // 已用 track 硬删除的保留期
}

var ErrNoGatewayEnabled = errors.New("未启用任何支付网关")

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	config.applyDefaults()
	return config
}

// Validate 校验网关凭证是否完整
// 启用的网关逐个校验，任何一个凭证残缺都拒绝启动，
// 不能等到用户选了它才在请求期暴雷
func (c *Config) Validate() error {
	enabled := false
	if c.Gateways.Zibal.Enable {
		enabled = true
		if c.Gateways.Zibal.Merchant == "" || c.Gateways.Zibal.CallbackURL == "" {
			return errors.New("zibal 配置缺少 merchant 或 callback_url")
		}
	}
	if c.Gateways.Zarinpal.Enable {
		enabled = true
		if c.Gateways.Zarinpal.Merchant == "" || c.Gateways.Zarinpal.CallbackURL == "" {
			return errors.New("zarinpal 配置缺少 merchant 或 callback_url")
		}
	}
	if !enabled {
		return ErrNoGatewayEnabled
	}
	return nil
}

func (c *Config) applyDefaults() {
	r := &c.Recovery
	if r.FastIntervalMinutes <= 0 {
		r.FastIntervalMinutes = 5
	}
	if r.DeepIntervalMinutes <= 0 {
		r.DeepIntervalMinutes = 60
	}
	if r.RefundAfterMinutes <= 0 {
		r.RefundAfterMinutes = 30
	}
	if r.CheckIntervalMinutes <= 0 {
		r.CheckIntervalMinutes = 5
	}
	if r.ExpireAfterMinutes <= 0 {
		r.ExpireAfterMinutes = 30
	}
	if r.MarkOldUnusedMinutes <= 0 {
		r.MarkOldUnusedMinutes = 120
	}
	if r.LookbackHours <= 0 {
		r.LookbackHours = 24
	}
	if r.DeepLookbackHours <= 0 {
		r.DeepLookbackHours = 72
	}
	if r.MaxInquiryFails <= 0 {
		r.MaxInquiryFails = 3
	}
	if r.BatchLimit <= 0 {
		r.BatchLimit = 200
	}
	if c.Track.ExpireHours <= 0 {
		c.Track.ExpireHours = 48
	}
	if c.Track.CleanupHours <= 0 {
		c.Track.CleanupHours = 72
	}
}
